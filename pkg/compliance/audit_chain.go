package compliance

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry is the verdict summary recorded for one analyzed call.
type AuditEntry struct {
	CallID        string   `json:"call_id"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Mode          Mode     `json:"mode"`
	Violation     bool     `json:"violation"`
	DiscloseTime  *float64 `json:"disclose_time"`
	VerifyTime    *float64 `json:"verify_time"`
	Reason        string   `json:"reason,omitempty"`
}

// NewAuditEntry summarizes a verdict for the audit chain.
func NewAuditEntry(callID, correlationID string, v Verdict) AuditEntry {
	return AuditEntry{
		CallID:        callID,
		CorrelationID: correlationID,
		Mode:          v.Mode,
		Violation:     v.Violation,
		DiscloseTime:  v.DiscloseTime,
		VerifyTime:    v.VerifyTime,
		Reason:        v.Reason,
	}
}

// AuditRecord is the persisted representation of an audit entry with its
// chain hash.
type AuditRecord struct {
	Timestamp time.Time  `json:"timestamp"`
	Entry     AuditEntry `json:"entry"`
	PrevHash  string     `json:"prev_hash"`
	Hash      string     `json:"hash"`
}

// AuditChain appends tamper-evident verdict records to a JSON lines file.
// Each record hashes its predecessor's hash, so editing or removing a line
// breaks every later link.
type AuditChain struct {
	path     string
	mutex    sync.Mutex
	lastHash string
	now      func() time.Time
}

// OpenAuditChain opens the chain at path, continuing from the last record
// when the file already exists.
func OpenAuditChain(path string) (*AuditChain, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit chain directory: %w", err)
	}

	chain := &AuditChain{path: path, now: func() time.Time { return time.Now().UTC() }}

	last, _, err := readChain(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if last != nil {
		chain.lastHash = last.Hash
	}
	return chain, nil
}

// Path returns the chain file location.
func (c *AuditChain) Path() string {
	return c.path
}

// Append writes a new record and advances the chain.
func (c *AuditChain) Append(entry AuditEntry) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	record := AuditRecord{
		Timestamp: c.now(),
		Entry:     entry,
		PrevHash:  c.lastHash,
	}
	if err := record.computeHash(); err != nil {
		return err
	}

	file, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open audit chain file: %w", err)
	}
	defer file.Close()

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	if _, err := file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}

	c.lastHash = record.Hash
	return nil
}

// VerifyAuditChain checks every link of the chain at path and returns the
// number of valid records.
func VerifyAuditChain(path string) (int, error) {
	_, count, err := readChain(path)
	return count, err
}

func readChain(path string) (*AuditRecord, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	var last *AuditRecord
	count := 0
	prevHash := ""
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record AuditRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return last, count, fmt.Errorf("audit record %d is not valid JSON: %w", count+1, err)
		}
		if record.PrevHash != prevHash {
			return last, count, fmt.Errorf("audit record %d does not link to its predecessor", count+1)
		}
		stored := record.Hash
		if err := record.computeHash(); err != nil {
			return last, count, err
		}
		if record.Hash != stored {
			return last, count, fmt.Errorf("audit record %d hash mismatch", count+1)
		}

		prevHash = record.Hash
		last = &record
		count++
	}
	if err := scanner.Err(); err != nil {
		return last, count, fmt.Errorf("failed to read audit chain: %w", err)
	}
	return last, count, nil
}

func (r *AuditRecord) computeHash() error {
	raw, err := json.Marshal(struct {
		Timestamp time.Time  `json:"timestamp"`
		Entry     AuditEntry `json:"entry"`
		PrevHash  string     `json:"prev_hash"`
	}{
		Timestamp: r.Timestamp,
		Entry:     r.Entry,
		PrevHash:  r.PrevHash,
	})
	if err != nil {
		return err
	}
	hash := sha256.Sum256(raw)
	r.Hash = hex.EncodeToString(hash[:])
	return nil
}
