package postprocess

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/storage"
)

const inlineSuffix = "_base64"

var ErrInlineBinary = errors.New("result still carries inline binary")

// Target identifies where a result's artifacts are filed.
type Target struct {
	GenerationID string
	JobType      domain.JobType
	TargetID     string
}

func TargetOf(job domain.Job) Target {
	return Target{GenerationID: job.GenerationID, JobType: job.Type, TargetID: job.TargetID}
}

type Processor struct {
	store      storage.ObjectStore
	thumbWidth int
	logger     zerolog.Logger
}

type Option func(*Processor)

// WithThumbnails uploads a JPEG preview of width px next to every image.
func WithThumbnails(width int) Option {
	return func(p *Processor) {
		p.thumbWidth = width
	}
}

func New(store storage.ObjectStore, logger zerolog.Logger, opts ...Option) *Processor {
	p := &Processor{store: store, logger: logger.With().Str("component", "postprocess").Logger()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process uploads every inline binary field in result and swaps it for a
// reference. The input is not modified. An upload failure fails the whole
// result: nothing with inline binary is ever returned.
func (p *Processor) Process(ctx context.Context, target Target, result domain.Result) (domain.Result, error) {
	if result == nil {
		return nil, nil
	}
	out := result.Clone()
	if err := p.walk(ctx, target, nil, map[string]any(out)); err != nil {
		return nil, err
	}
	if keys := out.InlineBinaryKeys(); len(keys) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInlineBinary, strings.Join(keys, ", "))
	}
	return out, nil
}

func (p *Processor) walk(ctx context.Context, target Target, trail []string, node map[string]any) error {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if strings.HasSuffix(k, inlineSuffix) {
			if err := p.replace(ctx, target, trail, node, k); err != nil {
				return err
			}
			continue
		}
		switch child := node[k].(type) {
		case map[string]any:
			if err := p.walk(ctx, target, append(trail, k), child); err != nil {
				return err
			}
		case []any:
			for i, elem := range child {
				m, ok := elem.(map[string]any)
				if !ok {
					continue
				}
				if err := p.walk(ctx, target, append(trail, k, strconv.Itoa(i)), m); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *Processor) replace(ctx context.Context, target Target, trail []string, node map[string]any, key string) error {
	kind := strings.TrimSuffix(key, inlineSuffix)
	encoded, _ := node[key].(string)
	if strings.TrimSpace(encoded) == "" {
		// Nothing was generated for this field.
		delete(node, key)
		return nil
	}
	mimeType, _ := node["mime_type"].(string)

	data, dataMime, err := decodeInline(encoded)
	if err != nil {
		return fmt.Errorf("decode %s: %w", labelFor(trail, kind), err)
	}
	if mimeType == "" {
		mimeType = dataMime
	}
	if mimeType == "" {
		mimeType = defaultMime(kind)
	}

	label := labelFor(trail, kind)
	objectKey := ObjectKey(target, label, Extension(mimeType))
	ref, err := p.store.Put(ctx, objectKey, data, mimeType)
	if err != nil {
		return fmt.Errorf("upload %s: %w", label, err)
	}

	delete(node, key)
	node[kind+"_url"] = ref
	node["mime_type"] = mimeType

	if p.thumbWidth > 0 && strings.HasPrefix(mimeType, "image/") {
		thumb, err := Thumbnail(data, p.thumbWidth)
		if err != nil {
			p.logger.Warn().Err(err).Str("label", label).Msg("thumbnail skipped")
			return nil
		}
		thumbRef, err := p.store.Put(ctx, ObjectKey(target, label+"_thumb", "jpg"), thumb, "image/jpeg")
		if err != nil {
			p.logger.Warn().Err(err).Str("label", label).Msg("thumbnail upload failed")
			return nil
		}
		node["thumbnail_url"] = thumbRef
	}
	return nil
}

// ObjectKey builds <generation>/<job_type>/<target>/<label>.<ext>.
func ObjectKey(target Target, label, ext string) string {
	targetPart := sanitize(target.TargetID)
	if targetPart == "" {
		targetPart = "default"
	}
	return path.Join(
		sanitize(target.GenerationID),
		sanitize(string(target.JobType)),
		targetPart,
		sanitize(label)+"."+ext,
	)
}

func labelFor(trail []string, kind string) string {
	if len(trail) == 0 {
		return kind
	}
	return strings.Join(trail, "_")
}

func decodeInline(encoded string) ([]byte, string, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, "", errors.New("empty payload")
	}

	var mimeType string
	if strings.HasPrefix(encoded, "data:") {
		header, body, ok := strings.Cut(encoded, ",")
		if !ok {
			return nil, "", errors.New("malformed data url")
		}
		mimeType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		encoded = body
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, "", err
	}
	return data, mimeType, nil
}

func defaultMime(kind string) string {
	switch kind {
	case "video":
		return "video/mp4"
	case "audio":
		return "audio/mpeg"
	default:
		return "image/png"
	}
}

// Extension maps a mime type to the file extension used in object keys.
func Extension(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "video/mp4":
		return "mp4"
	case "video/webm":
		return "webm"
	case "audio/mpeg":
		return "mp3"
	default:
		return "png"
	}
}

func sanitize(in string) string {
	in = strings.TrimSpace(in)
	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
