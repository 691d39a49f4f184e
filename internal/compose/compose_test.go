package compose

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"strings"
	"testing"
	"time"

	"mailworker/internal/objectstore"
	"mailworker/internal/store"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type fakeObjects struct {
	objects map[string]objectstore.Object
	gets    []string
}

func (f *fakeObjects) Get(_ context.Context, ref objectstore.Ref) (objectstore.Object, error) {
	f.gets = append(f.gets, ref.String())
	obj, ok := f.objects[ref.String()]
	if !ok {
		return objectstore.Object{}, errors.New("NoSuchKey")
	}
	return obj, nil
}

func (f *fakeObjects) Head(_ context.Context, ref objectstore.Ref) (int64, error) {
	obj, ok := f.objects[ref.String()]
	if !ok {
		return 0, errors.New("NotFound")
	}
	return int64(len(obj.Body)), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newAssembler(objects objectstore.Store, client *http.Client) *Assembler {
	a := NewAssembler(objects, client, quietLogger())
	a.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestScanImagesKeepsOrderAndOffsets(t *testing.T) {
	body := `<p>a</p><img alt="x" src="https://cdn.example.com/a.png"><IMG SRC='cid:abc'><img src=s3://bucket/k.png>`
	refs := scanImages(body)
	if len(refs) != 3 {
		t.Fatalf("expected 3 refs, got %d", len(refs))
	}
	wantKinds := []SourceKind{SourceHTTP, SourceContentID, SourceObjectStore}
	for i, ref := range refs {
		if ref.Kind != wantKinds[i] {
			t.Fatalf("ref %d: expected kind %s, got %s", i, wantKinds[i], ref.Kind)
		}
		if got := body[ref.ValueStart:ref.ValueEnd]; got != ref.Source {
			t.Fatalf("ref %d: offsets point at %q, expected %q", i, got, ref.Source)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		src  string
		want SourceKind
	}{
		{"data:image/png;base64,AAAA", SourceDataURI},
		{"cid:img1@example.com", SourceContentID},
		{"s3://assets/logo.png", SourceObjectStore},
		{"https://assets.s3.eu-west-1.amazonaws.com/logo.png", SourceObjectStore},
		{"https://cdn.example.com/logo.png", SourceHTTP},
		{"images/logo.png", SourceObjectStore},
		{"mailto:someone@example.com", SourceUnknown},
	}
	for _, tt := range tests {
		if got := classify(tt.src); got != tt.want {
			t.Errorf("classify(%q): expected %s, got %s", tt.src, tt.want, got)
		}
	}
}

func TestDecodeDataURI(t *testing.T) {
	b, ct, err := decodeDataURI("data:image/png;base64,iVBORw0KGgo=")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct != "image/png" || !bytes.HasPrefix(b, []byte("\x89PNG")) {
		t.Fatalf("unexpected decode: %q %q", ct, b)
	}
	if _, _, err := decodeDataURI("data:image/png;base64"); err == nil {
		t.Fatalf("expected error for data uri without payload")
	}
}

// One of three images failing must not fail the message: the two good ones
// are inlined and the broken reference is kept as-is.
func TestBuildInlinesImagesAndKeepsBrokenReference(t *testing.T) {
	srv := newImageServer(t)
	objects := &fakeObjects{objects: map[string]objectstore.Object{
		"s3://assets/banner.png": {Body: pngBytes, ContentType: "image/png"},
	}}
	a := newAssembler(objects, srv.Client())

	broken := srv.URL + "/missing.png"
	body := `<p>Hi {{first_name}}</p>` +
		`<img src="` + srv.URL + `/logo.png">` +
		`<img src="` + broken + `">` +
		`<img src="s3://assets/banner.png">` +
		`<img src="` + srv.URL + `/logo.png">`

	c := store.Campaign{ID: "c1", Subject: "Hello {{first_name}}", Body: body, FromEmail: "news@example.com"}
	contact := store.Contact{Email: "ada@example.net", FirstName: "Ada"}
	env := Envelope{From: c.FromEmail, To: []string{contact.Email}}

	msg, err := a.Build(context.Background(), c, contact, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Inlined != 2 {
		t.Fatalf("expected 2 inlined images, got %d", msg.Inlined)
	}
	if len(msg.FailedImages) != 1 || msg.FailedImages[0] != broken {
		t.Fatalf("expected broken image reported, got %v", msg.FailedImages)
	}
	if !strings.Contains(msg.HTML, `src="`+broken+`"`) {
		t.Fatalf("expected broken reference kept in html")
	}
	if n := strings.Count(msg.HTML, `src="cid:img_`); n != 3 {
		t.Fatalf("expected 3 rewritten tags (logo twice, banner once), got %d", n)
	}
	if msg.Subject != "Hello Ada" || !strings.Contains(msg.HTML, "<p>Hi Ada</p>") {
		t.Fatalf("expected personalized content, got %q / %q", msg.Subject, msg.HTML)
	}

	parts := readParts(t, msg.Raw)
	if got := countContentIDs(parts); got != 2 {
		t.Fatalf("expected 2 inline parts in raw message, got %d", got)
	}
}

func TestBuildRejectsNonImageContent(t *testing.T) {
	srv := newImageServer(t)
	a := newAssembler(&fakeObjects{}, srv.Client())
	c := store.Campaign{ID: "c1", Body: `<img src="` + srv.URL + `/page.html">`, FromEmail: "news@example.com"}

	msg, err := a.Build(context.Background(), c, store.Contact{Email: "x@example.com"}, Envelope{From: c.FromEmail, To: []string{"x@example.com"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Inlined != 0 || len(msg.FailedImages) != 1 {
		t.Fatalf("expected non-image to be left alone, got inlined=%d failed=%v", msg.Inlined, msg.FailedImages)
	}
}

func TestBuildAttachments(t *testing.T) {
	objects := &fakeObjects{objects: map[string]objectstore.Object{
		"s3://assets/banner.png": {Body: pngBytes, ContentType: "image/png"},
		"docs/terms.pdf":         {Body: []byte("%PDF-1.4"), ContentType: "application/pdf"},
		"img/sig.png":            {Body: pngBytes},
	}}
	a := newAssembler(objects, http.DefaultClient)

	c := store.Campaign{
		ID:        "c1",
		Body:      `<img src="s3://assets/banner.png">`,
		FromEmail: "news@example.com",
		Attachments: []store.Attachment{
			{Filename: "banner.png", ObjectKey: "banner.png"},
			{Filename: "terms.pdf", ObjectKey: "docs/terms.pdf"},
			{Filename: "sig.png", ObjectKey: "img/sig.png", Inline: true},
			{Filename: "gone.pdf", ObjectKey: "docs/gone.pdf"},
		},
	}
	msg, err := a.Build(context.Background(), c, store.Contact{Email: "x@example.com"}, Envelope{From: c.FromEmail, To: []string{"x@example.com"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Attached != 1 {
		t.Fatalf("expected only terms.pdf attached, got %d", msg.Attached)
	}
	if msg.Inlined != 2 {
		t.Fatalf("expected banner and sig inline, got %d", msg.Inlined)
	}
	if len(msg.SkippedAttachments) != 2 {
		t.Fatalf("expected already-inlined and missing attachments skipped, got %v", msg.SkippedAttachments)
	}

	var sawPDF bool
	for _, p := range readParts(t, msg.Raw) {
		cd := p.Header.Get("Content-Disposition")
		if strings.HasPrefix(cd, "attachment") && strings.Contains(cd, "terms.pdf") {
			sawPDF = true
		}
	}
	if !sawPDF {
		t.Fatalf("expected terms.pdf attachment part")
	}
}

func TestBuildAttachmentNotShadowedByDataURIImage(t *testing.T) {
	objects := &fakeObjects{objects: map[string]objectstore.Object{
		"reports/image.png": {Body: pngBytes, ContentType: "image/png"},
	}}
	a := newAssembler(objects, http.DefaultClient)
	dataURI := "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

	c := store.Campaign{
		ID:          "c1",
		Body:        `<img src="` + dataURI + `">`,
		FromEmail:   "news@example.com",
		Attachments: []store.Attachment{{Filename: "image.png", ObjectKey: "reports/image.png"}},
	}
	msg, err := a.Build(context.Background(), c, store.Contact{Email: "x@example.com"}, Envelope{From: c.FromEmail, To: []string{"x@example.com"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Inlined != 1 {
		t.Fatalf("expected the data URI inlined, got %d", msg.Inlined)
	}
	if msg.Attached != 1 || len(msg.SkippedAttachments) != 0 {
		t.Fatalf("expected image.png attached, got attached=%d skipped=%v", msg.Attached, msg.SkippedAttachments)
	}
	if len(objects.gets) != 1 || objects.gets[0] != "reports/image.png" {
		t.Fatalf("expected attachment fetched from the object store, got %v", objects.gets)
	}
}

func TestBuildLinksInlineAttachmentByFilename(t *testing.T) {
	objects := &fakeObjects{objects: map[string]objectstore.Object{
		"brand/logo.png": {Body: pngBytes, ContentType: "image/png"},
	}}
	a := newAssembler(objects, http.DefaultClient)

	c := store.Campaign{
		ID:          "c1",
		Body:        `<p>Hi</p><img src="cid:Logo.PNG"><img src="cid:other.png">`,
		FromEmail:   "News <news@example.com>",
		Attachments: []store.Attachment{{Filename: "logo.png", ObjectKey: "brand/logo.png", Inline: true}},
	}
	msg, err := a.Build(context.Background(), c, store.Contact{Email: "x@example.com"}, Envelope{From: c.FromEmail, To: []string{"x@example.com"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Inlined != 1 {
		t.Fatalf("expected logo.png inline, got %d", msg.Inlined)
	}

	var cid string
	for _, p := range readParts(t, msg.Raw) {
		if id := p.Header.Get("Content-Id"); id != "" {
			cid = strings.Trim(id, "<>")
		}
	}
	if cid == "" || !strings.HasSuffix(cid, "@example.com") {
		t.Fatalf("expected inline part with a Content-ID, got %q", cid)
	}
	if !strings.Contains(msg.HTML, `src="cid:`+cid+`"`) {
		t.Fatalf("expected html to reference %q, got %q", cid, msg.HTML)
	}
	if !strings.Contains(msg.HTML, `src="cid:other.png"`) {
		t.Fatalf("expected unrelated cid reference untouched, got %q", msg.HTML)
	}
}

func TestEnvelopeSenderIsBareAddress(t *testing.T) {
	tests := []struct{ from, want string }{
		{"News Team <news@example.com>", "news@example.com"},
		{"news@example.com", "news@example.com"},
		{" news@example.com ", "news@example.com"},
		{"not an address", "not an address"},
	}
	for _, tt := range tests {
		if got := (Envelope{From: tt.from}).Sender(); got != tt.want {
			t.Fatalf("Sender(%q) = %q, want %q", tt.from, got, tt.want)
		}
	}
}

func TestRawHeadersNeverIncludeBcc(t *testing.T) {
	a := newAssembler(&fakeObjects{}, http.DefaultClient)
	c := store.Campaign{ID: "c1", Subject: "Grüße", Body: "<p>x</p>", FromEmail: "News <news@example.com>"}
	env := Envelope{
		From: c.FromEmail,
		To:   []string{"a@example.com"},
		Cc:   []string{"c@example.com"},
		Bcc:  []string{"hidden@example.com"},
	}
	msg, err := a.Build(context.Background(), c, store.Contact{Email: "a@example.com"}, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, err := mail.ReadMessage(bytes.NewReader(msg.Raw))
	if err != nil {
		t.Fatalf("raw message does not parse: %v", err)
	}
	if m.Header.Get("Bcc") != "" || bytes.Contains(msg.Raw, []byte("hidden@example.com")) {
		t.Fatalf("bcc leaked into headers")
	}
	if m.Header.Get("Cc") == "" || m.Header.Get("Message-ID") == "" || m.Header.Get("MIME-Version") != "1.0" {
		t.Fatalf("missing required headers: %v", m.Header)
	}
	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(m.Header.Get("Subject"))
	if err != nil || subject != "Grüße" {
		t.Fatalf("expected encoded subject to round trip, got %q (%v)", subject, err)
	}
}

func TestEnvelopeRecipientsDedup(t *testing.T) {
	env := Envelope{
		To:  []string{"a@example.com"},
		Cc:  []string{"A@example.com", "b@example.com"},
		Bcc: []string{"b@example.com", " c@example.com "},
	}
	got := env.Recipients()
	want := []string{"a@example.com", "b@example.com", "c@example.com"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

// readParts flattens every leaf part of a raw message.
func readParts(t *testing.T, raw []byte) []*multipart.Part {
	t.Helper()
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("raw message does not parse: %v", err)
	}
	mt, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	if err != nil || mt != "multipart/mixed" {
		t.Fatalf("expected multipart/mixed, got %q (%v)", mt, err)
	}
	var out []*multipart.Part
	var walk func(r io.Reader, boundary string)
	walk = func(r io.Reader, boundary string) {
		mr := multipart.NewReader(r, boundary)
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				return
			}
			if err != nil {
				t.Fatalf("read part: %v", err)
			}
			ct, ps, _ := mime.ParseMediaType(p.Header.Get("Content-Type"))
			if strings.HasPrefix(ct, "multipart/") {
				body, _ := io.ReadAll(p)
				walk(bytes.NewReader(body), ps["boundary"])
				continue
			}
			out = append(out, p)
		}
	}
	walk(m.Body, params["boundary"])
	return out
}

func countContentIDs(parts []*multipart.Part) int {
	n := 0
	for _, p := range parts {
		if p.Header.Get("Content-Id") != "" {
			n++
		}
	}
	return n
}
