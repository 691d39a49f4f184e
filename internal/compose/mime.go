package compose

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"
)

const base64LineLen = 76

// part is a leaf attachment of the outer multipart/mixed.
type part struct {
	ContentType string
	Filename    string
	Data        []byte
}

// encode writes the message as
//
//	multipart/mixed
//	  multipart/related
//	    multipart/alternative (text/plain, text/html)
//	    inline images
//	  attachments
func encode(msg *Message, images []InlineImage, files []part, date time.Time) ([]byte, error) {
	alt, altType, err := alternativeBody(msg.Text, msg.HTML)
	if err != nil {
		return nil, fmt.Errorf("encode alternative: %w", err)
	}
	related, relatedType, err := relatedBody(alt, altType, images)
	if err != nil {
		return nil, fmt.Errorf("encode related: %w", err)
	}

	var mixedBuf bytes.Buffer
	mixed := multipart.NewWriter(&mixedBuf)
	w, err := mixed.CreatePart(textproto.MIMEHeader{"Content-Type": {relatedType}})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(related); err != nil {
		return nil, err
	}
	for _, f := range files {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", mediaType(f.ContentType, f.Filename))
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Filename}))
		w, err := mixed.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if err := writeBase64(w, f.Data); err != nil {
			return nil, err
		}
	}
	if err := mixed.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	writeHeader(&out, "From", formatAddress(msg.Envelope.From))
	if len(msg.Envelope.To) > 0 {
		writeHeader(&out, "To", formatAddressList(msg.Envelope.To))
	}
	if len(msg.Envelope.Cc) > 0 {
		writeHeader(&out, "Cc", formatAddressList(msg.Envelope.Cc))
	}
	writeHeader(&out, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&out, "Date", date.Format(time.RFC1123Z))
	writeHeader(&out, "Message-ID", msg.MessageID)
	writeHeader(&out, "MIME-Version", "1.0")
	writeHeader(&out, "Content-Type", `multipart/mixed; boundary="`+mixed.Boundary()+`"`)
	out.WriteString("\r\n")
	out.Write(mixedBuf.Bytes())
	return out.Bytes(), nil
}

func alternativeBody(text, html string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range []struct{ ct, body string }{
		{"text/plain; charset=utf-8", text},
		{"text/html; charset=utf-8", html},
	} {
		pw, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.ct},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, "", err
		}
		qp := quotedprintable.NewWriter(pw)
		if _, err := qp.Write([]byte(p.body)); err != nil {
			return nil, "", err
		}
		if err := qp.Close(); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), `multipart/alternative; boundary="` + w.Boundary() + `"`, nil
}

func relatedBody(alt []byte, altType string, images []InlineImage) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	pw, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {altType}})
	if err != nil {
		return nil, "", err
	}
	if _, err := pw.Write(alt); err != nil {
		return nil, "", err
	}
	for _, img := range images {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", mediaType(img.ContentType, img.Filename))
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-ID", "<"+img.ContentID+">")
		h.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": img.Filename}))
		pw, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if err := writeBase64(pw, img.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), `multipart/related; type="multipart/alternative"; boundary="` + w.Boundary() + `"`, nil
}

func mediaType(contentType, filename string) string {
	if filename == "" {
		return contentType
	}
	if mt := mime.FormatMediaType(contentType, map[string]string{"name": filename}); mt != "" {
		return mt
	}
	return contentType
}

// writeBase64 wraps the encoding at 76 columns as RFC 2045 requires.
func writeBase64(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 0 {
		n := min(base64LineLen, len(enc))
		if _, err := w.Write([]byte(enc[:n] + "\r\n")); err != nil {
			return err
		}
		enc = enc[n:]
	}
	return nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	value = strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
	buf.WriteString(key + ": " + value + "\r\n")
}

func formatAddress(raw string) string {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return addr.String()
}

func formatAddressList(list []string) string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, formatAddress(a))
		}
	}
	return strings.Join(out, ", ")
}
