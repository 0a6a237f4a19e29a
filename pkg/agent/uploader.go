package agent

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/ransomeye/core/pkg/audit"
	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/sign"
)

const (
	uploadBackoffBase = time.Second
	uploadBackoffCap  = 5 * time.Minute
)

// Uploader drains the buffer to the core's ingest endpoint, verifying a
// signed receipt for every acknowledged event.
type Uploader struct {
	buf       *Buffer
	client    *http.Client
	baseURL   string
	serverPub *rsa.PublicKey
	journal   *ReceiptJournal
	audit     *audit.Logger
	failures  int
	logger    *slog.Logger
}

// NewUploader wires an uploader. journal and auditLog may be nil.
func NewUploader(buf *Buffer, client *http.Client, baseURL string, serverPub *rsa.PublicKey, journal *ReceiptJournal, auditLog *audit.Logger) *Uploader {
	return &Uploader{
		buf:       buf,
		client:    client,
		baseURL:   baseURL,
		serverPub: serverPub,
		journal:   journal,
		audit:     auditLog,
		logger:    slog.Default().With("component", "uploader"),
	}
}

// Run drains in a loop until ctx is cancelled. An inflight file is
// always returned to a durable state before the loop moves on.
func (u *Uploader) Run(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	for {
		if err := u.Drain(ctx); err != nil && ctx.Err() == nil {
			u.logger.WarnContext(ctx, "drain pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(u.waitFor(pollInterval)):
		}
	}
}

// waitFor is the poll interval stretched by full-jitter backoff while
// the server is unreachable.
func (u *Uploader) waitFor(base time.Duration) time.Duration {
	if u.failures == 0 {
		return base
	}
	ceil := uploadBackoffBase << uint(u.failures)
	if ceil > uploadBackoffCap || ceil <= 0 {
		ceil = uploadBackoffCap
	}
	return base + time.Duration(rand.Int63n(int64(ceil)))
}

// Drain uploads every pending event in record order. The pass stops at
// the first retriable failure so ordering per agent is preserved.
func (u *Uploader) Drain(ctx context.Context) error {
	names, err := u.buf.Pending()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		retry, err := u.uploadOne(ctx, name)
		if err != nil && retry {
			u.failures++
			return err
		}
		if err != nil {
			// Quarantined; log and keep going.
			u.logger.ErrorContext(ctx, "event quarantined",
				"file", name, "code", faults.Code(err), "error", err)
			continue
		}
		u.failures = 0
	}
	return nil
}

// uploadOne pushes one buffered event. Returns retry=true when the file
// was requeued for a later pass.
func (u *Uploader) uploadOne(ctx context.Context, name string) (retry bool, err error) {
	body, err := u.buf.Take(name)
	if err != nil {
		return false, err
	}
	fingerprint := sha256.Sum256(body)
	fingerprintHex := hex.EncodeToString(fingerprint[:])

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		_ = u.buf.Requeue(name)
		return false, faults.Validationf("uploader: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fingerprint", fingerprintHex)

	resp, err := u.client.Do(req)
	if err != nil {
		if reqErr := u.buf.Requeue(name); reqErr != nil {
			return false, reqErr
		}
		return true, faults.Unavailablef("uploader: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, u.acceptReceipt(ctx, name, fingerprintHex, resp.Body)
	case resp.StatusCode == http.StatusConflict:
		// Already admitted; archive without a fresh receipt.
		u.logger.InfoContext(ctx, "event deduplicated by server", "file", name)
		return false, u.buf.Archive(name, fingerprintHex)
	case resp.StatusCode >= 500:
		if reqErr := u.buf.Requeue(name); reqErr != nil {
			return false, reqErr
		}
		return true, faults.Unavailablef("uploader: server status %d", resp.StatusCode)
	default:
		if qErr := u.buf.Quarantine(name); qErr != nil {
			return false, qErr
		}
		return false, faults.Validationf("uploader: server rejected with status %d", resp.StatusCode)
	}
}

// acceptReceipt verifies the server's signed receipt against the sent
// fingerprint. A bad receipt quarantines the file: the server either
// lied or the channel is compromised, and both need an operator.
func (u *Uploader) acceptReceipt(ctx context.Context, name, sentFingerprint string, body io.Reader) error {
	var receipt contracts.Receipt
	if err := json.NewDecoder(io.LimitReader(body, 1<<20)).Decode(&receipt); err != nil {
		if qErr := u.buf.Quarantine(name); qErr != nil {
			return qErr
		}
		return faults.Validationf("uploader: receipt decode: %v", err)
	}

	signed, err := receipt.SignedBytes()
	if err == nil {
		err = sign.Verify(u.serverPub, signed, receipt.Sig)
	}
	if err == nil && receipt.BodySHA256 != sentFingerprint {
		err = faults.Signaturef("uploader: receipt covers %s, sent %s", receipt.BodySHA256, sentFingerprint)
	}
	if err != nil {
		u.audit.Append(ctx, audit.KindSignatureFailure, "uploader", name, map[string]any{
			"error": err.Error(),
		})
		if qErr := u.buf.Quarantine(name); qErr != nil {
			return qErr
		}
		return err
	}

	if err := u.journal.Append(ctx, receipt); err != nil {
		u.logger.WarnContext(ctx, "receipt journal append failed",
			"event_id", receipt.EventID, "error", err)
	}
	return u.buf.Archive(name, receipt.BodySHA256)
}
