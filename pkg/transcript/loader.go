package transcript

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"callaudit/pkg/errors"
)

// wrapperKeys are checked in order when a document is an object rather than
// a list of utterances.
var wrapperKeys = []string{"utterances", "utterance", "transcript", "data", "conversation"}

// Transcript is one parsed call.
type Transcript struct {
	CallID     string      `json:"call_id"`
	Utterances []Utterance `json:"utterances"`

	// Dropped counts records that were skipped as malformed.
	Dropped int `json:"dropped"`
}

// Document is raw transcript content together with the name it was found
// under.
type Document struct {
	Name string
	Data []byte
}

// CallID derives the call identifier from a file name: the base name without
// its extension.
func CallID(name string) string {
	// archive entries may carry either separator
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}

// IsTranscriptFile reports whether name carries one of the accepted
// transcript extensions.
func IsTranscriptFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// Loader parses transcript documents into canonical utterances.
type Loader struct {
	logger *logrus.Entry
}

// NewLoader creates a loader that reports dropped records through logger.
func NewLoader(logger *logrus.Logger) *Loader {
	return &Loader{logger: logger.WithField("component", "transcript_loader")}
}

// Parse decodes data as JSON, falling back to YAML, and returns the
// canonical utterances sorted by start time.
func (l *Loader) Parse(callID string, data []byte) (*Transcript, error) {
	doc, err := decode(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode transcript", map[string]interface{}{
			"call_id": callID,
		})
	}

	records, err := unwrap(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read transcript", map[string]interface{}{
			"call_id": callID,
		})
	}

	t := &Transcript{
		CallID:     callID,
		Utterances: make([]Utterance, 0, len(records)),
	}
	for idx, rec := range records {
		u, err := recordToUtterance(rec)
		if err != nil {
			t.Dropped++
			l.logger.WithFields(logrus.Fields{
				"call_id": callID,
				"index":   idx,
				"error":   err,
			}).Debug("Dropping malformed utterance record")
			continue
		}
		t.Utterances = append(t.Utterances, u)
	}

	sort.SliceStable(t.Utterances, func(i, j int) bool {
		return t.Utterances[i].Start < t.Utterances[j].Start
	})

	if t.Dropped > 0 {
		l.logger.WithFields(logrus.Fields{
			"call_id": callID,
			"dropped": t.Dropped,
			"kept":    len(t.Utterances),
		}).Warn("Transcript contained malformed utterance records")
	}
	return t, nil
}

// LoadFile reads and parses a single transcript file.
func (l *Loader) LoadFile(path string) (*Transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read transcript file", map[string]interface{}{
			"path": path,
		})
	}
	return l.Parse(CallID(path), data)
}

// LoadDir parses every transcript under dir. Files that cannot be parsed are
// logged and skipped.
func (l *Loader) LoadDir(dir string) ([]*Transcript, error) {
	docs, err := ReadDir(dir)
	if err != nil {
		return nil, err
	}
	return l.parseAll(docs), nil
}

// LoadZip parses every transcript inside a zip archive. Entries that cannot
// be parsed are logged and skipped.
func (l *Loader) LoadZip(path string) ([]*Transcript, error) {
	docs, err := ReadZip(path)
	if err != nil {
		return nil, err
	}
	return l.parseAll(docs), nil
}

func (l *Loader) parseAll(docs []Document) []*Transcript {
	out := make([]*Transcript, 0, len(docs))
	for _, doc := range docs {
		t, err := l.Parse(CallID(doc.Name), doc.Data)
		if err != nil {
			l.logger.WithError(err).WithField("file", doc.Name).Warn("Skipping unparsable transcript")
			continue
		}
		out = append(out, t)
	}
	return out
}

// Collect gathers transcript documents from path, which may be a single
// transcript file, a zip archive or a directory searched recursively.
func Collect(path string) ([]Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to access input", map[string]interface{}{
			"path": path,
		})
	}
	switch {
	case info.IsDir():
		return ReadDir(path)
	case strings.EqualFold(filepath.Ext(path), ".zip"):
		return ReadZip(path)
	case IsTranscriptFile(path):
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read transcript file", map[string]interface{}{
				"path": path,
			})
		}
		return []Document{{Name: path, Data: data}}, nil
	default:
		return nil, errors.NewUnsupportedFormat(fmt.Sprintf("unrecognized input %s", filepath.Base(path)))
	}
}

// ReadDir returns every .json, .yaml and .yml file below dir in lexical
// order.
func ReadDir(dir string) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsTranscriptFile(path) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		docs = append(docs, Document{Name: path, Data: data})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan transcript directory", map[string]interface{}{
			"dir": dir,
		})
	}
	return docs, nil
}

// ReadZip returns every transcript entry of the archive at path.
func ReadZip(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read archive", map[string]interface{}{
			"path": path,
		})
	}
	return ReadZipBytes(data)
}

// ReadZipBytes returns every transcript entry of an in-memory zip archive,
// in archive order. Directory entries and other file types are ignored.
func ReadZipBytes(data []byte) ([]Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrap(errors.ErrUnsupportedFormat, "failed to open zip archive", map[string]interface{}{
			"error": err.Error(),
		})
	}

	var docs []Document
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !IsTranscriptFile(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrap(err, "failed to open archive entry", map[string]interface{}{
				"entry": f.Name,
			})
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read archive entry", map[string]interface{}{
				"entry": f.Name,
			})
		}
		docs = append(docs, Document{Name: f.Name, Data: content})
	}
	return docs, nil
}

func decode(data []byte) (interface{}, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err == nil {
		return doc, nil
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewUnsupportedFormat("neither valid JSON nor YAML").
			WithField("error", err.Error())
	}
	return doc, nil
}

func unwrap(doc interface{}) ([]interface{}, error) {
	switch v := doc.(type) {
	case []interface{}:
		return v, nil
	case map[string]interface{}:
		for _, key := range wrapperKeys {
			if list, ok := v[key].([]interface{}); ok {
				return list, nil
			}
		}
		return []interface{}{v}, nil
	default:
		return nil, errors.NewUnsupportedFormat("expected a list of utterances")
	}
}

func recordToUtterance(rec interface{}) (Utterance, error) {
	m, ok := rec.(map[string]interface{})
	if !ok {
		return Utterance{}, errors.NewInvalidUtterance("record is not an object")
	}

	rawStart, hasStart := m["stime"]
	rawEnd, hasEnd := m["etime"]
	if !hasStart || !hasEnd {
		return Utterance{}, errors.NewInvalidUtterance("missing stime or etime")
	}
	start, ok := toFloat(rawStart)
	if !ok {
		return Utterance{}, errors.NewInvalidUtterance(fmt.Sprintf("non-numeric stime %v", rawStart))
	}
	end, ok := toFloat(rawEnd)
	if !ok {
		return Utterance{}, errors.NewInvalidUtterance(fmt.Sprintf("non-numeric etime %v", rawEnd))
	}

	rawSpeaker := toString(m["speaker"])
	u, err := NewUtterance(CanonicalSpeaker(rawSpeaker), start, end, toString(m["text"]))
	if err != nil {
		return Utterance{}, err
	}
	u.RawSpeaker = strings.TrimSpace(rawSpeaker)
	return u, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
