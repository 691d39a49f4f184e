// Package compose turns a campaign and a contact into a ready-to-send MIME
// message: placeholder rendering, HTML cleanup, image inlining and
// attachments.
package compose

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"path"
	"strings"
	"time"

	"mailworker/internal/objectstore"
	"mailworker/internal/store"
	"mailworker/internal/util"
)

const defaultMaxImageBytes = 10 << 20

var errNoObjectStore = errors.New("no object store configured")

// Envelope is the SMTP-level addressing of one send. Bcc never appears in
// headers.
type Envelope struct {
	From string
	To   []string
	Cc   []string
	Bcc  []string
}

// Sender is the bare MAIL FROM address. A display name stays in the From
// header only.
func (e Envelope) Sender() string {
	return bareAddress(e.From)
}

// Recipients returns the bare addresses of To, Cc and Bcc deduplicated
// case-insensitively, in that order.
func (e Envelope) Recipients() []string {
	seen := make(map[string]bool, len(e.To)+len(e.Cc)+len(e.Bcc))
	var out []string
	for _, list := range [][]string{e.To, e.Cc, e.Bcc} {
		for _, addr := range list {
			addr = bareAddress(addr)
			key := strings.ToLower(addr)
			if addr == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, addr)
		}
	}
	return out
}

func bareAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if addr, err := mail.ParseAddress(raw); err == nil {
		return addr.Address
	}
	return raw
}

type Message struct {
	Envelope  Envelope
	Subject   string
	HTML      string
	Text      string
	MessageID string
	Raw       []byte

	Inlined            int
	FailedImages       []string
	Attached           int
	SkippedAttachments []string
}

// Assembler builds messages. Objects resolves object-store images and
// attachments; HTTP fetches remote images.
type Assembler struct {
	Objects       objectstore.Store
	HTTP          *http.Client
	MaxImageBytes int64
	Now           func() time.Time

	logger *slog.Logger
}

func NewAssembler(objects objectstore.Store, httpClient *http.Client, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		Objects: objects,
		HTTP:    httpClient,
		Now:     util.NowUTC,
		logger:  logger.With("component", "compose"),
	}
}

func (a *Assembler) httpClient() *http.Client {
	if a.HTTP != nil {
		return a.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (a *Assembler) maxImageBytes() int64 {
	if a.MaxImageBytes > 0 {
		return a.MaxImageBytes
	}
	return defaultMaxImageBytes
}

func (a *Assembler) getObject(ctx context.Context, ref objectstore.Ref) (objectstore.Object, error) {
	if a.Objects == nil {
		return objectstore.Object{}, errNoObjectStore
	}
	return a.Objects.Get(ctx, ref)
}

func (a *Assembler) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

// Personalize renders the campaign subject and body for one contact.
func Personalize(c store.Campaign, contact store.Contact) (subject, body string) {
	fields := contact.Fields()
	return util.RenderTemplate(c.Subject, fields), util.RenderTemplate(c.Body, fields)
}

// Build assembles the full message. It only fails when the message itself
// cannot be encoded; broken images and attachments are logged and dropped.
func (a *Assembler) Build(ctx context.Context, c store.Campaign, contact store.Contact, env Envelope) (*Message, error) {
	subject, body := Personalize(c, contact)
	body = StripEditorArtifacts(body)
	body = InjectNormalizeCSS(body)

	domain := util.DomainOf(env.Sender())
	log := a.logger.With("campaign_id", c.ID, "contact_email", contact.Email)

	body, images, failed := a.inlineImages(ctx, body, domain)
	attachments, skipped := a.collectAttachments(ctx, c.Attachments, images, domain, log)
	body = linkInlineAttachments(body, attachments)
	for _, att := range attachments {
		if att.Inline {
			images = append(images, att.InlineImage)
		}
	}

	msg := &Message{
		Envelope:     env,
		Subject:      subject,
		HTML:         body,
		Text:         HTMLToText(body),
		MessageID:    util.NewMessageID(domain),
		Inlined:      len(images),
		FailedImages: failed,
	}
	var files []part
	for _, att := range attachments {
		if !att.Inline {
			files = append(files, att.part)
		}
	}
	msg.Attached = len(files)
	msg.SkippedAttachments = skipped

	raw, err := encode(msg, images, files, a.now())
	if err != nil {
		return nil, err
	}
	msg.Raw = raw
	return msg, nil
}

type resolvedAttachment struct {
	Inline bool
	InlineImage
	part part
}

// collectAttachments resolves the campaign's declared attachments. One whose
// object key was already inlined from the body is skipped. Images inlined
// from data URIs or HTTP never shadow an attachment.
func (a *Assembler) collectAttachments(ctx context.Context, atts []store.Attachment, inlined []InlineImage, domain string, log *slog.Logger) ([]resolvedAttachment, []string) {
	if len(atts) == 0 {
		return nil, nil
	}
	keys := make(map[string]bool, len(inlined))
	for _, img := range inlined {
		if img.ObjectKey != "" {
			keys[img.ObjectKey] = true
		}
	}

	var (
		out     []resolvedAttachment
		skipped []string
	)
	for _, att := range atts {
		filename := att.Filename
		if filename == "" {
			filename = path.Base(att.ObjectKey)
		}
		if keys[objectRef(att.ObjectKey).Key] {
			skipped = append(skipped, filename)
			continue
		}

		obj, err := a.getObject(ctx, objectRef(att.ObjectKey))
		if err != nil {
			ferr := &FetchError{Source: att.ObjectKey, Kind: SourceObjectStore, Err: err}
			log.Warn("attachment skipped", "filename", filename, "err", ferr)
			skipped = append(skipped, filename)
			continue
		}
		ct := att.ContentType
		if ct == "" {
			ct = obj.ContentType
		}
		ct = resolveContentType(ct, filename, obj.Body)

		if att.Inline && strings.HasPrefix(ct, "image/") {
			out = append(out, resolvedAttachment{
				Inline: true,
				InlineImage: InlineImage{
					ContentID:   util.NewContentID(domain),
					ContentType: ct,
					Filename:    filename,
					Data:        obj.Body,
					Source:      att.ObjectKey,
					ObjectKey:   att.ObjectKey,
				},
			})
			continue
		}
		out = append(out, resolvedAttachment{part: part{
			ContentType: ct,
			Filename:    filename,
			Data:        obj.Body,
		}})
	}
	return out, skipped
}

// linkInlineAttachments points body references of the form cid:<filename>
// at the Content-ID generated for that inline attachment. Filenames match
// case-insensitively.
func linkInlineAttachments(body string, atts []resolvedAttachment) string {
	byName := make(map[string]string)
	for _, att := range atts {
		if att.Inline {
			byName[strings.ToLower(att.Filename)] = att.ContentID
		}
	}
	if len(byName) == 0 {
		return body
	}
	refs := scanImages(body)
	for i := len(refs) - 1; i >= 0; i-- {
		ref := refs[i]
		if ref.Kind != SourceContentID {
			continue
		}
		cid, ok := byName[strings.ToLower(strings.TrimSpace(ref.Source[len("cid:"):]))]
		if !ok {
			continue
		}
		body = body[:ref.ValueStart] + "cid:" + cid + body[ref.ValueEnd:]
	}
	return body
}
