package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sparkq-dev/sparkq/internal/types"
)

// OperatorExecutor is the default executor: the prompt block has been
// streamed to stdout, and the operator (or the tool they piped it into)
// answers with a single JSON document on the input stream:
//
//	{"result": {"summary": "..."}, "stdout": "...", "continuation": "..."}
//
// or, for a failure:
//
//	{"error": "what went wrong", "stderr": "..."}
type OperatorExecutor struct {
	In io.Reader
}

func (e *OperatorExecutor) Execute(ctx context.Context, task *types.Task, queue *types.Queue) (*Outcome, error) {
	type report struct {
		Result       json.RawMessage `json:"result"`
		Error        string          `json:"error"`
		Stdout       string          `json:"stdout"`
		Stderr       string          `json:"stderr"`
		Continuation string          `json:"continuation"`
	}

	docCh := make(chan report, 1)
	errCh := make(chan error, 1)
	go func() {
		var doc report
		if err := json.NewDecoder(e.In).Decode(&doc); err != nil {
			errCh <- fmt.Errorf("read outcome report: %w", err)
			return
		}
		docCh <- doc
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, err
	case doc := <-docCh:
		if doc.Error == "" && len(doc.Result) == 0 {
			return nil, fmt.Errorf("outcome report carries neither result nor error")
		}
		return &Outcome{
			Result:       doc.Result,
			Err:          doc.Error,
			Stdout:       doc.Stdout,
			Stderr:       doc.Stderr,
			Continuation: doc.Continuation,
		}, nil
	}
}
