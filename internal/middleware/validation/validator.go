package validation

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/standardize"
	"github.com/smartscope/backend/internal/storage/models"
	"github.com/smartscope/backend/pkg/logger"
)

// BodyKey is the fiber local holding the validated *Submission.
const BodyKey = "submission"

// Submission is the JSON body of POST /api/v1/analyses.
type Submission struct {
	SubjectID   string                 `json:"subject_id"`
	SubjectType string                 `json:"subject_type,omitempty"`
	ParentID    string                 `json:"parent_id,omitempty"`
	MediaRefs   []string               `json:"media_refs,omitempty"`
	Category    string                 `json:"category"`
	Context     string                 `json:"context,omitempty"`
	Source      string                 `json:"source,omitempty"`
	Document    string                 `json:"document,omitempty"`
	Form        *standardize.QuoteForm `json:"form,omitempty"`
}

type Config struct {
	MaxContextLength  int
	MaxDocumentSize   int
	MaxMediaRefs      int
	MaxMediaRefLength int
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxContextLength <= 0 {
		cfg.MaxContextLength = 5000
	}
	if cfg.MaxDocumentSize <= 0 {
		cfg.MaxDocumentSize = 2 << 20
	}
	if cfg.MaxMediaRefs <= 0 {
		cfg.MaxMediaRefs = 8
	}
	if cfg.MaxMediaRefLength <= 0 {
		cfg.MaxMediaRefLength = 2048
	}
	return cfg
}

// RequireOrg rejects requests that carry no organization id. The header is
// preferred; websocket clients may pass org_id as a query parameter.
func RequireOrg(header string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if strings.TrimSpace(c.Get(header)) == "" && strings.TrimSpace(c.Query("org_id")) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": header + " header is required",
			})
		}
		return c.Next()
	}
}

// Submissions parses and checks analysis submissions before they reach the
// handler. Semantic checks (categories, form validity) stay with the engine;
// this layer bounds sizes and rejects refs that could escape the media store.
func Submissions(cfg Config) fiber.Handler {
	cfg = cfg.withDefaults()

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Content-Type must be application/json",
			})
		}

		var body Submission
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		if problems := check(&body, cfg); len(problems) > 0 {
			logger.Debug("Rejected submission",
				zap.String("ip", c.IP()),
				zap.Strings("problems", problems),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":    "Invalid submission",
				"problems": problems,
			})
		}

		c.Locals(BodyKey, &body)
		return c.Next()
	}
}

func check(s *Submission, cfg Config) []string {
	var problems []string

	s.SubjectID = sanitizeString(s.SubjectID)
	s.ParentID = sanitizeString(s.ParentID)
	s.Category = sanitizeString(s.Category)
	s.Context = sanitizeString(s.Context)

	if s.SubjectID == "" {
		problems = append(problems, "subject_id is required")
	}
	if s.Category == "" {
		problems = append(problems, "category is required")
	}
	if len(s.Context) > cfg.MaxContextLength {
		problems = append(problems, fmt.Sprintf("context exceeds %d characters", cfg.MaxContextLength))
	}

	switch models.Source(s.Source) {
	case "", models.SourcePhoto:
		if len(s.MediaRefs) == 0 {
			problems = append(problems, "media_refs is required for photo submissions")
		}
		if len(s.MediaRefs) > cfg.MaxMediaRefs {
			problems = append(problems, fmt.Sprintf("at most %d media_refs are allowed", cfg.MaxMediaRefs))
		}
		for i, ref := range s.MediaRefs {
			ref = sanitizeString(ref)
			s.MediaRefs[i] = ref
			if !isValidRef(ref, cfg.MaxMediaRefLength) {
				problems = append(problems, fmt.Sprintf("media_refs[%d] is not a valid reference", i))
			}
		}
	case models.SourceDocument:
		if strings.TrimSpace(s.Document) == "" {
			problems = append(problems, "document is required for document submissions")
		}
		if len(s.Document) > cfg.MaxDocumentSize {
			problems = append(problems, "document exceeds maximum size")
		}
	case models.SourceForm:
		if s.Form == nil {
			problems = append(problems, "form is required for form submissions")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown source %q", s.Source))
	}
	return problems
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")
	return input
}

// isValidRef accepts absolute http(s) URLs and relative store paths that do
// not climb out of the store root.
func isValidRef(ref string, maxLen int) bool {
	if ref == "" || len(ref) > maxLen {
		return false
	}
	if strings.Contains(ref, "://") {
		return isValidURL(ref)
	}
	clean := path.Clean("/" + ref)
	return !strings.Contains(ref, "..") && clean != "/"
}

func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	if u.Host == "" {
		return false
	}

	return true
}
