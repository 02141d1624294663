package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"firebase.google.com/go/v4/messaging"

	"github.com/opencampus/pushsync/internal/logger"
)

var (
	errUnregistered = errors.New("registration token not registered")
	errUnavailable  = errors.New("provider unavailable")
)

// senderEmulator records every send and answers from a per-token script.
type senderEmulator struct {
	mu       sync.Mutex
	sent     []*messaging.Message
	failWith map[string]error
}

func newSenderEmulator() *senderEmulator {
	return &senderEmulator{failWith: make(map[string]error)}
}

func (e *senderEmulator) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, msg)
	if err, ok := e.failWith[msg.Token]; ok {
		return "", err
	}
	return "projects/test/messages/" + msg.Token, nil
}

func (e *senderEmulator) sentTokens() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	tokens := make(map[string]bool, len(e.sent))
	for _, msg := range e.sent {
		tokens[msg.Token] = true
	}
	return tokens
}

func newTestDispatcher(sender Sender, batchSize int) *Dispatcher {
	log := logger.New(logger.Config{Level: slog.LevelError})
	return New(sender, log, Options{BatchSize: batchSize, MinTokenLength: 20})
}

func TestMain(m *testing.M) {
	// FCM error values cannot be constructed outside the SDK, so tests
	// classify dead tokens by sentinel.
	isDeadTokenErr = func(err error) bool {
		return errors.Is(err, errUnregistered)
	}
	m.Run()
}

func TestSendEmptyTokenSet(t *testing.T) {
	emu := newSenderEmulator()
	d := newTestDispatcher(emu, 0)

	result, err := d.Send(context.Background(), nil, Message{Title: "x"})
	if err != nil {
		t.Fatalf("Send(empty) error = %v, want nil", err)
	}
	if result.SuccessCount != 0 {
		t.Errorf("SuccessCount = %d, want 0", result.SuccessCount)
	}
	if len(emu.sent) != 0 {
		t.Errorf("sent %d messages for an empty token set, want 0", len(emu.sent))
	}
}

func TestSendSkipsMalformedAttemptsWellFormed(t *testing.T) {
	emu := newSenderEmulator()
	d := newTestDispatcher(emu, 0)

	tokens := []string{
		"",
		"short",
		"well-formed-token-aaaaaaaaaaaa",
		"well-formed-token-bbbbbbbbbbbb",
	}

	result, err := d.Send(context.Background(), tokens, Message{Title: "Exam", Body: "Hall moved"})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if result.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", result.Skipped)
	}
	if result.SuccessCount != 2 {
		t.Errorf("SuccessCount = %d, want 2", result.SuccessCount)
	}

	attempted := emu.sentTokens()
	if attempted[""] || attempted["short"] {
		t.Error("malformed tokens must not be attempted")
	}
	if !attempted["well-formed-token-aaaaaaaaaaaa"] || !attempted["well-formed-token-bbbbbbbbbbbb"] {
		t.Error("well-formed tokens must all be attempted")
	}
}

func TestSendClassifiesFailures(t *testing.T) {
	emu := newSenderEmulator()
	emu.failWith["dead-token-aaaaaaaaaaaaaaaaaaa"] = errUnregistered
	emu.failWith["dead-token-bbbbbbbbbbbbbbbbbbb"] = errUnregistered
	emu.failWith["flaky-token-ccccccccccccccccccc"] = errUnavailable
	d := newTestDispatcher(emu, 0)

	tokens := []string{
		"dead-token-aaaaaaaaaaaaaaaaaaa",
		"dead-token-bbbbbbbbbbbbbbbbbbb",
		"flaky-token-ccccccccccccccccccc",
		"healthy-token-ddddddddddddddddd",
	}

	result, err := d.Send(context.Background(), tokens, Message{Title: "t"})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}

	if result.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1", result.SuccessCount)
	}
	if result.Transient != 1 {
		t.Errorf("Transient = %d, want 1", result.Transient)
	}
	if len(result.Invalid) != 2 {
		t.Fatalf("Invalid = %v, want the two dead tokens", result.Invalid)
	}
	invalid := map[string]bool{result.Invalid[0]: true, result.Invalid[1]: true}
	if !invalid["dead-token-aaaaaaaaaaaaaaaaaaa"] || !invalid["dead-token-bbbbbbbbbbbbbbbbbbb"] {
		t.Errorf("Invalid = %v, want exactly the unregistered tokens", result.Invalid)
	}
}

func TestSendBatchesBoundedConcurrency(t *testing.T) {
	emu := newSenderEmulator()
	d := newTestDispatcher(emu, 3)

	var tokens []string
	for i := 0; i < 8; i++ {
		tokens = append(tokens, "batch-token-0000000000000000"+string(rune('a'+i)))
	}

	result, err := d.Send(context.Background(), tokens, Message{Title: "t"})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if result.SuccessCount != 8 {
		t.Errorf("SuccessCount = %d, want 8", result.SuccessCount)
	}
	if len(emu.sent) != 8 {
		t.Errorf("sent %d messages, want 8", len(emu.sent))
	}
}

func TestSendStampsPayloadData(t *testing.T) {
	emu := newSenderEmulator()
	d := newTestDispatcher(emu, 0)

	_, err := d.Send(context.Background(),
		[]string{"stamp-token-00000000000000000"},
		Message{Title: "Exam", Body: "Hall moved", Data: map[string]string{"kind": "exam"}})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if len(emu.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(emu.sent))
	}

	data := emu.sent[0].Data
	if data["url"] == "" {
		t.Error("payload data must carry a url")
	}
	if data["createdAt"] == "" {
		t.Error("payload data must carry a server creation timestamp")
	}
	if data["id"] == "" {
		t.Error("payload data must carry a stable notification id")
	}
	if data["kind"] != "exam" {
		t.Errorf("caller data lost: kind = %q", data["kind"])
	}
}

func TestSendPreservesCallerURL(t *testing.T) {
	emu := newSenderEmulator()
	d := newTestDispatcher(emu, 0)

	_, err := d.Send(context.Background(),
		[]string{"stamp-token-00000000000000000"},
		Message{Title: "t", Data: map[string]string{"url": "/exams/42"}})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if got := emu.sent[0].Data["url"]; got != "/exams/42" {
		t.Errorf("url = %q, want caller-supplied /exams/42", got)
	}
}
