package ingestion

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

const maxEmailParts = 32

var wordDecoder = new(mime.WordDecoder)

func (p *Processor) parseEmail(raw string, doc *Document) error {
	msg, err := mail.ReadMessage(strings.NewReader(strings.TrimLeft(raw, " \t\r\n")))
	if err != nil {
		return fmt.Errorf("failed to parse email: %w", err)
	}

	doc.Title = decodeHeader(msg.Header.Get("Subject"))
	if from, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		doc.From = strings.ToLower(from.Address)
	} else {
		doc.From = decodeHeader(msg.Header.Get("From"))
	}

	plain, html, err := readBody(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body, 0)
	if err != nil {
		return err
	}

	switch {
	case strings.TrimSpace(plain) != "":
		doc.Text = normalize(plain)
	case strings.TrimSpace(html) != "":
		_, doc.Text, err = cleanHTML(html)
		if err != nil {
			return err
		}
	}
	if doc.Title != "" && doc.Text != "" {
		doc.Text = "Subject: " + doc.Title + "\n" + doc.Text
	}
	return nil
}

// readBody returns the first text/plain and text/html bodies found,
// descending into multipart containers.
func readBody(contentType, encoding string, body io.Reader, depth int) (string, string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || contentType == "" {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if depth > 3 {
			return "", "", nil
		}
		var plain, html string
		mr := multipart.NewReader(body, params["boundary"])
		for i := 0; i < maxEmailParts; i++ {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return plain, html, fmt.Errorf("failed to read email part: %w", err)
			}
			if isAttachment(part) {
				continue
			}
			pt, ph, err := readBody(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part, depth+1)
			if err != nil {
				return plain, html, err
			}
			if plain == "" {
				plain = pt
			}
			if html == "" {
				html = ph
			}
		}
		return plain, html, nil
	}

	data, err := io.ReadAll(decodeTransfer(encoding, body))
	if err != nil {
		return "", "", fmt.Errorf("failed to decode email body: %w", err)
	}
	switch mediaType {
	case "text/html":
		return "", string(data), nil
	case "text/plain":
		return string(data), "", nil
	default:
		return "", "", nil
	}
}

func isAttachment(part *multipart.Part) bool {
	disposition, _, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	return err == nil && disposition == "attachment"
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	default:
		return r
	}
}

func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(decoded)
}
