package workers

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/verifiable-state-chains/hsmcore/channel"
	"github.com/verifiable-state-chains/hsmcore/models"
)

var quiet = WithLogger(log.New(io.Discard, "", 0))

// rejectingSink fails every send and counts attempts
type rejectingSink struct {
	attempts int
}

func (s *rejectingSink) Send(context.Context, models.Response) error {
	s.attempts++
	return errors.New("sink rejected")
}

func lease(t *testing.T, data []byte) (*models.Buffer, *models.Lease) {
	t.Helper()
	buf := models.NewBuffer(data)
	l, err := buf.Acquire()
	if err != nil {
		t.Fatalf("Failed to acquire lease: %v", err)
	}
	return buf, l
}

func push(t *testing.T, p *channel.Pipe[models.Request], reqs ...models.Request) {
	t.Helper()
	for _, r := range reqs {
		if err := p.Send(context.Background(), r); err != nil {
			t.Fatalf("Failed to enqueue request: %v", err)
		}
	}
}

func pop(t *testing.T, p *channel.Pipe[models.Response]) models.Response {
	t.Helper()
	resp, err := p.Receive(context.Background())
	if err != nil {
		t.Fatalf("Failed to receive response: %v", err)
	}
	return resp
}

func expectError(t *testing.T, resp models.Response, id models.RequestID, want models.Error) {
	t.Helper()
	er, ok := resp.(*models.ErrorResponse)
	if !ok {
		t.Fatalf("Expected ErrorResponse, got %T", resp)
	}
	if er.RequestID != id {
		t.Errorf("RequestID got %d, want %d", er.RequestID, id)
	}
	if er.Err != want {
		t.Errorf("Error got %v, want %v", er.Err, want)
	}
}
