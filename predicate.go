package reqflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func invalidationEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.StdLib(),
			cel.Variable("entry", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("now", cel.IntType),
		)
	})
	return celEnv, celEnvErr
}

// CompileInvalidation compiles a CEL expression into a cache entry predicate.
// The expression sees `entry` with fields key, verb, url, name, tag, mode,
// stored_at and expire_at (unix milliseconds, 0 for never) and `now` in unix
// milliseconds, and must evaluate to a bool. For example:
//
//	entry.verb == "GET" && entry.url.startsWith("https://api.example.com/users")
//
// Entries for which evaluation fails do not match.
func CompileInvalidation(expr string) (func(*CacheEntry) bool, error) {
	env, err := invalidationEnv()
	if err != nil {
		return nil, configError("cel environment", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, configError(fmt.Sprintf("invalid invalidation expression %q", expr), issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, configError(fmt.Sprintf("invalidation expression %q must evaluate to bool, got %s", expr, ast.OutputType()), nil)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, configError("cel program", err)
	}

	return func(e *CacheEntry) bool {
		out, _, err := prg.Eval(map[string]any{
			"entry": entryVars(e),
			"now":   time.Now().UnixMilli(),
		})
		if err != nil {
			return false
		}
		matched, ok := out.Value().(bool)
		return ok && matched
	}, nil
}

func entryVars(e *CacheEntry) map[string]any {
	var expireAt int64
	if !e.ExpireAt.IsZero() {
		expireAt = e.ExpireAt.UnixMilli()
	}
	return map[string]any{
		"key":       e.Key,
		"verb":      e.Verb,
		"url":       e.URL,
		"name":      e.Name,
		"tag":       e.Tag,
		"mode":      e.Mode.String(),
		"stored_at": e.StoredAt.UnixMilli(),
		"expire_at": expireAt,
	}
}
