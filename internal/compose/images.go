package compose

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"mailworker/internal/objectstore"
	"mailworker/internal/observability"
	"mailworker/internal/util"
)

type SourceKind int

const (
	SourceUnknown SourceKind = iota
	SourceDataURI
	SourceHTTP
	SourceObjectStore
	SourceContentID
)

func (k SourceKind) String() string {
	switch k {
	case SourceDataURI:
		return "data_uri"
	case SourceHTTP:
		return "http"
	case SourceObjectStore:
		return "object_store"
	case SourceContentID:
		return "cid"
	default:
		return "unknown"
	}
}

var (
	imgTag  = regexp.MustCompile(`(?is)<img\b[^>]*>`)
	srcAttr = regexp.MustCompile(`(?is)\ssrc\s*=\s*("[^"]*"|'[^']*'|[^\s"'>]+)`)
)

// imageRef is one <img src> occurrence found by the initial scan. Offsets
// point into the scanned body and delimit the attribute value, quotes
// excluded, so the rewrite never has to re-derive string patterns.
type imageRef struct {
	Source     string
	Kind       SourceKind
	ValueStart int
	ValueEnd   int
}

// InlineImage is a resolved image ready to become a multipart/related part.
type InlineImage struct {
	ContentID   string
	ContentType string
	Filename    string
	Data        []byte
	Source      string
	ObjectKey   string
}

// scanImages lists every <img src> in document order.
func scanImages(body string) []imageRef {
	var refs []imageRef
	for _, tag := range imgTag.FindAllStringIndex(body, -1) {
		m := srcAttr.FindStringSubmatchIndex(body[tag[0]:tag[1]])
		if m == nil {
			continue
		}
		start, end := tag[0]+m[2], tag[0]+m[3]
		if q := body[start]; q == '"' || q == '\'' {
			start++
			end--
		}
		src := html.UnescapeString(strings.TrimSpace(body[start:end]))
		if src == "" {
			continue
		}
		refs = append(refs, imageRef{
			Source:     src,
			Kind:       classify(src),
			ValueStart: start,
			ValueEnd:   end,
		})
	}
	return refs
}

func classify(src string) SourceKind {
	lower := strings.ToLower(src)
	switch {
	case strings.HasPrefix(lower, "data:"):
		return SourceDataURI
	case strings.HasPrefix(lower, "cid:"):
		return SourceContentID
	case strings.HasPrefix(lower, "s3://"):
		return SourceObjectStore
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "//"):
		if _, ok := objectstore.ParseURL(src); ok {
			return SourceObjectStore
		}
		return SourceHTTP
	case strings.Contains(lower, ":"):
		// Some other scheme (mailto:, javascript:, ...); leave it alone.
		return SourceUnknown
	default:
		return SourceObjectStore
	}
}

// objectRef resolves an object-store image source. Bare references are keys
// in the default bucket.
func objectRef(src string) objectstore.Ref {
	if ref, ok := objectstore.ParseURL(src); ok {
		return ref
	}
	return objectstore.Ref{Key: strings.TrimPrefix(src, "/")}
}

// inlineImages fetches every scanned image and rewrites the src of each one
// that resolved to cid:<id>. Images that fail keep their original reference;
// a broken image never fails the message.
func (a *Assembler) inlineImages(ctx context.Context, body, domain string) (string, []InlineImage, []string) {
	refs := scanImages(body)
	if len(refs) == 0 {
		return body, nil, nil
	}

	type rewrite struct {
		start, end int
		cid        string
	}
	var (
		images   []InlineImage
		failed   []string
		rewrites []rewrite
		resolved = map[string]string{}
		broken   = map[string]bool{}
	)

	for _, ref := range refs {
		if ref.Kind == SourceContentID || ref.Kind == SourceUnknown {
			continue
		}
		if cid, ok := resolved[ref.Source]; ok {
			rewrites = append(rewrites, rewrite{ref.ValueStart, ref.ValueEnd, cid})
			continue
		}
		if broken[ref.Source] {
			continue
		}

		img, err := a.fetchImage(ctx, ref)
		if err != nil {
			broken[ref.Source] = true
			failed = append(failed, ref.Source)
			observability.InlineImages.WithLabelValues("failed").Inc()
			a.logger.Warn("inline image skipped, keeping original reference",
				"source", truncate(ref.Source, 120), "kind", ref.Kind.String(), "err", err)
			continue
		}
		img.ContentID = util.NewContentID(domain)
		images = append(images, img)
		resolved[ref.Source] = img.ContentID
		rewrites = append(rewrites, rewrite{ref.ValueStart, ref.ValueEnd, img.ContentID})
		observability.InlineImages.WithLabelValues("inlined").Inc()
	}

	// Apply back to front so earlier offsets stay valid.
	sort.Slice(rewrites, func(i, j int) bool { return rewrites[i].start > rewrites[j].start })
	for _, rw := range rewrites {
		body = body[:rw.start] + "cid:" + rw.cid + body[rw.end:]
	}
	return body, images, failed
}

func (a *Assembler) fetchImage(ctx context.Context, ref imageRef) (InlineImage, error) {
	var (
		data        []byte
		contentType string
		filename    string
		objectKey   string
		err         error
	)
	switch ref.Kind {
	case SourceDataURI:
		data, contentType, err = decodeDataURI(ref.Source)
		filename = "image" + extensionFor(contentType)
	case SourceHTTP:
		data, contentType, err = a.fetchHTTP(ctx, ref.Source)
		filename = filenameFromPath(ref.Source)
	case SourceObjectStore:
		oref := objectRef(ref.Source)
		objectKey = oref.Key
		filename = path.Base(oref.Key)
		var obj objectstore.Object
		obj, err = a.getObject(ctx, oref)
		data, contentType = obj.Body, obj.ContentType
	default:
		err = fmt.Errorf("unsupported image source")
	}
	if err != nil {
		return InlineImage{}, &FetchError{Source: ref.Source, Kind: ref.Kind, Err: err}
	}

	contentType = resolveContentType(contentType, filename, data)
	if !strings.HasPrefix(contentType, "image/") {
		return InlineImage{}, &FetchError{Source: ref.Source, Kind: ref.Kind, Err: fmt.Errorf("not an image: %s", contentType)}
	}
	if filename == "" || filename == "." || filename == "/" {
		filename = "image" + extensionFor(contentType)
	}
	return InlineImage{
		ContentType: contentType,
		Filename:    filename,
		Data:        data,
		Source:      ref.Source,
		ObjectKey:   objectKey,
	}, nil
}

func (a *Assembler) fetchHTTP(ctx context.Context, raw string) ([]byte, string, error) {
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := a.httpClient().Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	limit := a.maxImageBytes()
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(b)) > limit {
		return nil, "", fmt.Errorf("image larger than %d bytes", limit)
	}
	return b, resp.Header.Get("Content-Type"), nil
}

// decodeDataURI handles data:[<mediatype>][;base64],<data>.
func decodeDataURI(raw string) ([]byte, string, error) {
	rest := raw[len("data:"):]
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data uri")
	}
	isBase64 := false
	parts := strings.Split(meta, ";")
	contentType := strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if !isBase64 {
		s, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", err
		}
		return []byte(s), contentType, nil
	}

	payload = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return -1
		}
		return r
	}, payload)
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if b2, err2 := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); err2 == nil {
			return b2, contentType, nil
		}
		return nil, "", fmt.Errorf("decode base64: %w", err)
	}
	return b, contentType, nil
}

func resolveContentType(declared, filename string, data []byte) string {
	ct := strings.ToLower(strings.TrimSpace(declared))
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if ct != "" && ct != "application/octet-stream" && ct != "binary/octet-stream" {
		return ct
	}
	if byExt := mime.TypeByExtension(path.Ext(filename)); byExt != "" {
		if mt, _, err := mime.ParseMediaType(byExt); err == nil {
			return mt
		}
	}
	if len(data) > 0 {
		sniffed := http.DetectContentType(data)
		if mt, _, err := mime.ParseMediaType(sniffed); err == nil {
			return mt
		}
	}
	return "application/octet-stream"
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/svg+xml":
		return ".svg"
	}
	return ""
}

func filenameFromPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return path.Base(u.Path)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
