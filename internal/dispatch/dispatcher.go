package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/google/uuid"

	"github.com/opencampus/pushsync/internal/logger"
)

// Sender is the narrow slice of the FCM messaging client the dispatcher
// needs. *messaging.Client satisfies it; tests substitute an emulator.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Message is one logical notification to fan out. Data must end up with
// a url and a creation timestamp on the wire; Send stamps both so the
// client can reconstruct intent even when the platform strips the
// native alert fields.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Result aggregates one fan-out. Invalid holds the token strings the
// provider reported as unregistered or malformed; the caller feeds them
// to the pruner. Transient failures are counted but never queued for
// deletion.
type Result struct {
	SuccessCount int
	Invalid      []string
	Transient    int
	Skipped      int
}

// sendOutcome is the per-token result of a single send attempt.
type sendOutcome struct {
	token   string
	success bool
	invalid bool
	err     error
}

// Dispatcher fans one message out to many device tokens. Sends run in
// fixed-size batches: within a batch every token gets its own goroutine
// and the batch is awaited as a whole before the next one starts, so
// concurrency stays bounded by the batch size.
type Dispatcher struct {
	sender         Sender
	logger         *logger.Logger
	batchSize      int
	minTokenLength int
}

// Options configures a Dispatcher. Zero values fall back to the
// provider limits: 500 sends per batch, 20-character token minimum.
type Options struct {
	BatchSize      int
	MinTokenLength int
}

// New creates a dispatcher over the given sender.
func New(sender Sender, log *logger.Logger, opts Options) *Dispatcher {
	batchSize := opts.BatchSize
	if batchSize <= 0 || batchSize > 500 {
		batchSize = 500
	}
	minTokenLength := opts.MinTokenLength
	if minTokenLength <= 0 {
		minTokenLength = 20
	}

	return &Dispatcher{
		sender:         sender,
		logger:         log.WithComponent("dispatcher"),
		batchSize:      batchSize,
		minTokenLength: minTokenLength,
	}
}

// Send delivers the message to every well-formed token. Obviously
// malformed tokens are skipped without a delivery attempt. One bad
// token never aborts the batch, and an empty token set is a valid
// not-sent outcome, not an error.
func (d *Dispatcher) Send(ctx context.Context, tokens []string, msg Message) (Result, error) {
	var result Result
	if len(tokens) == 0 {
		return result, nil
	}

	data := stampData(msg.Data)
	log := d.logger.WithContext(ctx)

	var wellFormed []string
	for _, token := range tokens {
		if len(token) < d.minTokenLength {
			result.Skipped++
			continue
		}
		wellFormed = append(wellFormed, token)
	}

	for start := 0; start < len(wellFormed); start += d.batchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		end := start + d.batchSize
		if end > len(wellFormed) {
			end = len(wellFormed)
		}
		batch := wellFormed[start:end]

		outcomes := make([]sendOutcome, len(batch))
		var wg sync.WaitGroup
		for i, token := range batch {
			wg.Add(1)
			go func(i int, token string) {
				defer wg.Done()
				outcomes[i] = d.sendOne(ctx, token, msg, data)
			}(i, token)
		}
		wg.Wait()

		for _, out := range outcomes {
			switch {
			case out.success:
				result.SuccessCount++
				sentTotal.Inc()
			case out.invalid:
				result.Invalid = append(result.Invalid, out.token)
				deadTokensTotal.Inc()
			default:
				result.Transient++
				transientFailuresTotal.Inc()
				log.Warn("transient delivery failure",
					slog.String("token_prefix", tokenPrefix(out.token)),
					slog.String("error", out.err.Error()))
			}
		}
	}

	log.Info("dispatch complete",
		slog.Int("requested", len(tokens)),
		slog.Int("sent", result.SuccessCount),
		slog.Int("invalid", len(result.Invalid)),
		slog.Int("transient", result.Transient),
		slog.Int("skipped", result.Skipped))

	return result, nil
}

// sendOne sends to a single token and classifies the outcome. A
// response meaning "not registered" or "invalid registration" marks the
// token dead; everything else is a transient provider hiccup.
func (d *Dispatcher) sendOne(ctx context.Context, token string, msg Message, data map[string]string) sendOutcome {
	fcmMsg := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: data,
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: msg.Title,
				Body:  msg.Body,
				Icon:  "/icons/icon-192.png",
			},
		},
	}

	_, err := d.sender.Send(ctx, fcmMsg)
	if err == nil {
		return sendOutcome{token: token, success: true}
	}

	if isDeadTokenErr(err) {
		return sendOutcome{token: token, invalid: true, err: err}
	}
	return sendOutcome{token: token, err: err}
}

// isDeadTokenErr reports whether the provider confirmed the token is
// gone. Package variable so tests can substitute a classifier; the FCM
// error types cannot be constructed outside the SDK.
var isDeadTokenErr = func(err error) bool {
	return messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err)
}

// stampData returns a copy of the caller data with the fields every
// payload must carry: a url, a server creation timestamp, and a stable
// id the client dedup gate keys on.
func stampData(data map[string]string) map[string]string {
	stamped := make(map[string]string, len(data)+3)
	for k, v := range data {
		stamped[k] = v
	}
	if stamped["url"] == "" {
		stamped["url"] = "/"
	}
	stamped["createdAt"] = time.Now().UTC().Format(time.RFC3339)
	if stamped["id"] == "" {
		stamped["id"] = uuid.New().String()
	}
	return stamped
}

func tokenPrefix(token string) string {
	if len(token) <= 10 {
		return token
	}
	return token[:10] + "..."
}
