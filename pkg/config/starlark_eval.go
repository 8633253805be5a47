package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// DefaultStarlarkTimeout bounds a script run when no timeout is configured.
const DefaultStarlarkTimeout = 30 * time.Second

// maxStarlarkSteps bounds the number of computation steps of one run.
const maxStarlarkSteps = 10_000_000

// fileOptions allows if and for statements and reassignment at top level,
// so short scripts can branch on their inputs without defining functions.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// StarlarkEvaluator executes Starlark scripts with a deadline and a step limit.
// Scripts see their inputs as predeclared globals and report results by
// assigning globals.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultStarlarkTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Check parses script without running it.
func (se *StarlarkEvaluator) Check(filename, script string) error {
	if _, err := fileOptions.Parse(filename, script, 0); err != nil {
		return fmt.Errorf("invalid starlark script: %w", err)
	}
	return nil
}

// Evaluate executes script with input predeclared and returns its exported
// globals. Globals whose names start with an underscore are not exported.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	result := &StarlarkResult{}
	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			result.Prints = append(result.Prints, msg)
		},
	}
	thread.SetMaxExecutionSteps(maxStarlarkSteps)

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   json.Module,
	}
	for _, key := range sortedMapKeys(input) {
		v, err := toStarlarkValue(input[key])
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = v
	}

	globals, err := starlark.ExecFileOptions(fileOptions, thread, filename, script, predeclared)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("starlark execution of %s timed out after %v", filename, se.timeout)
		}
		return nil, fmt.Errorf("starlark execution of %s failed: %w", filename, err)
	}

	result.Output = make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if name == "" || name[0] == '_' {
			continue
		}
		if _, isFunc := val.(*starlark.Function); isFunc {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		result.Output[name] = goVal
	}

	return result, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedMapKeys(val) {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a JSON-like Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return iterableToSlice(val)
	case starlark.Tuple:
		return iterableToSlice(val)
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func iterableToSlice(v starlark.Indexable) ([]interface{}, error) {
	list := make([]interface{}, v.Len())
	for i := 0; i < v.Len(); i++ {
		item, err := fromStarlarkValue(v.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}

func sortedMapKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
