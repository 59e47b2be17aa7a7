// Package query answers read-only questions from the cache without touching
// the agent.
package query

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"aaronromeo.com/himalayacache/internal/cache"
	"aaronromeo.com/himalayacache/pkg/base"
	message "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/pkg/errors"
)

type Reader struct {
	store *cache.Store
}

func NewReader(store *cache.Store) *Reader {
	return &Reader{store: store}
}

// Accounts returns the cached account list file as stored.
func (r *Reader) Accounts() ([]byte, error) {
	return r.store.ReadBytes(r.store.AccountsPath())
}

// FolderList returns the cached folder list file as stored.
func (r *Reader) FolderList(account string) ([]byte, error) {
	if err := cache.CheckName("account", account, false); err != nil {
		return nil, err
	}
	data, err := r.store.ReadBytes(r.store.FoldersPath(account))
	if err != nil {
		return nil, errors.Wrapf(err, "folder list for account %s", account)
	}
	return data, nil
}

// ListEnvelopes returns every cached envelope of a folder, newest first.
// Envelopes without a parsable date sort last.
func (r *Reader) ListEnvelopes(account, folder string) ([]base.Envelope, error) {
	if err := checkFolder(account, folder); err != nil {
		return nil, err
	}
	dir := r.store.MetaDir(account, folder)
	entries, err := r.store.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "envelopes for %s/%s", account, folder)
	}

	envelopes := []base.Envelope{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || filepath.Ext(entry.Name()) != base.JSONExt {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := r.store.ReadBytes(path)
		if err != nil {
			return nil, err
		}
		var envelope base.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, &base.DecodeError{Source: path, Err: err}
		}
		envelopes = append(envelopes, envelope)
	}

	SortByDate(envelopes)
	return envelopes, nil
}

// SortByDate orders envelopes by date descending, keeping the relative order
// of envelopes that compare equal.
func SortByDate(envelopes []base.Envelope) {
	sort.SliceStable(envelopes, func(i, j int) bool {
		ti, okI := ParseDate(envelopes[i].Date)
		tj, okJ := ParseDate(envelopes[j].Date)
		if okI && okJ {
			return ti.After(tj)
		}
		return okI && !okJ
	})
}

// ParseDate parses an envelope date such as "2024-03-01 10:00+00:00".
func ParseDate(date *string) (time.Time, bool) {
	if date == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(base.EnvelopeDateLayout, *date)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// EncodeEnvelopes renders a listing as indented JSON.
func EncodeEnvelopes(envelopes []base.Envelope) ([]byte, error) {
	if envelopes == nil {
		envelopes = []base.Envelope{}
	}
	return encode(envelopes, "  ")
}

// ReadMessage returns the cached body as text with CRLF line endings
// normalized to LF. Invalid UTF-8 is replaced, not rejected.
func (r *Reader) ReadMessage(account, folder, id string) (string, error) {
	if err := checkMessage(account, folder, id); err != nil {
		return "", err
	}
	text, err := r.store.ReadText(r.store.MessagePath(account, folder, id))
	if err != nil {
		return "", errors.Wrapf(err, "message %s in %s/%s", id, account, folder)
	}
	return strings.ReplaceAll(text, "\r\n", "\n"), nil
}

// EncodeMessage renders a message body as a single JSON string.
func EncodeMessage(body string) ([]byte, error) {
	return encode(body, "")
}

type HeaderField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MessageHeaders parses the header block of a cached body. Values are
// decoded to UTF-8 where the charset is known and left raw otherwise.
func (r *Reader) MessageHeaders(account, folder, id string) ([]HeaderField, error) {
	if err := checkMessage(account, folder, id); err != nil {
		return nil, err
	}
	path := r.store.MessagePath(account, folder, id)
	data, err := r.store.ReadBytes(path)
	if err != nil {
		return nil, errors.Wrapf(err, "message %s in %s/%s", id, account, folder)
	}

	entity, err := message.Read(bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, &base.DecodeError{Source: path, Err: err}
	}

	fields := []HeaderField{}
	iter := entity.Header.Fields()
	for iter.Next() {
		value, err := iter.Text()
		if err != nil {
			value = iter.Value()
		}
		fields = append(fields, HeaderField{Key: iter.Key(), Value: value})
	}
	return fields, nil
}

func checkFolder(account, folder string) error {
	if err := cache.CheckName("account", account, false); err != nil {
		return err
	}
	return cache.CheckName("folder", folder, true)
}

func checkMessage(account, folder, id string) error {
	if err := checkFolder(account, folder); err != nil {
		return err
	}
	return cache.CheckName("message id", id, false)
}

func encode(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "encoding output")
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
