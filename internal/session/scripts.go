package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/asyncscript"
	"github.com/xkilldash9x/scalpel-driver/internal/automation"
	"github.com/xkilldash9x/scalpel-driver/internal/script"
)

// The user script receives its arguments spread from a single in-page
// array. The asynchronous form appends the completion callback.
const (
	syncWrapperHead = "function (args) {\n  return (function () {\n"
	syncWrapperTail = "\n  }).apply(null, Array.prototype.slice.call(args));\n}"

	asyncWrapperHead = `function (args) {
  return new Promise(function (resolve, reject) {
    var spread = Array.prototype.slice.call(args);
    spread.push(resolve);
    try {
      (function () {
`
	asyncWrapperTail = `
      }).apply(null, spread);
    } catch (e) {
      reject(e);
    }
  });
}`
)

func (s *Session) executeScript(ctx context.Context, cmd schemas.Command) (any, error) {
	return s.runScript(ctx, cmd, false)
}

func (s *Session) executeAsyncScript(ctx context.Context, cmd schemas.Command) (any, error) {
	return s.runScript(ctx, cmd, true)
}

// scriptArgs returns the "args" array, treating an absent or null value as
// empty.
func scriptArgs(cmd schemas.Command) ([]any, error) {
	raw, ok := cmd.Raw("args")
	if !ok || raw == nil {
		return []any{}, nil
	}
	args, ok := raw.([]any)
	if !ok {
		return nil, schemas.NewError(schemas.InvalidArgument, "args must be an array")
	}
	return args, nil
}

// runScript executes a user script on a worker through the async bridge.
// Arguments are packed into one in-page array so only an object crosses
// to the worker. A dialog opened by the script ends the wait with a null
// result and leaves the dialog for the next command.
func (s *Session) runScript(ctx context.Context, cmd schemas.Command, async bool) (any, error) {
	body, err := cmd.String("script")
	if err != nil {
		return nil, err
	}
	args, err := scriptArgs(cmd)
	if err != nil {
		return nil, err
	}
	binding, doc, b, err := s.binding()
	if err != nil {
		return nil, err
	}

	packed := script.New(doc, "")
	defer packed.Release()
	if err := packed.AddJSON(ctx, args, binding); err != nil {
		return nil, err
	}

	source := syncWrapperHead + body + syncWrapperTail
	if async {
		source = asyncWrapperHead + body + asyncWrapperTail
	}
	v, err := s.bridge.Execute(ctx, asyncscript.Request{
		Doc:     doc,
		Source:  source,
		Args:    packed.Args(),
		Timeout: s.timeouts.Script,
		Interrupt: func() bool {
			s.pumpEvents()
			_, open := b.Dialog()
			return open
		},
	})
	if errors.Is(err, asyncscript.ErrInterrupted) {
		s.logger.Debug("Script interrupted by a dialog.", zap.Bool("async", async))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.waitRequired = true
	return s.convert(ctx, doc, v)
}

// convert turns a script result into its wire form. The root object is
// released unless it became a registered element.
func (s *Session) convert(ctx context.Context, doc automation.Document, v automation.Value) (any, error) {
	binding, _, _, err := s.binding()
	if err != nil {
		if v.IsObject() {
			v.AsObject().Release()
		}
		return nil, err
	}
	out, err := script.Wrap(doc, v).ConvertResultToJSONValue(ctx, binding)
	if v.IsObject() {
		if _, isElement := out.(schemas.ElementReference); !isElement || err != nil {
			v.AsObject().Release()
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
