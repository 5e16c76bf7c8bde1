package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/xeipuuv/gojsonschema"

	"generation-tracker/internal/jobs"
	"generation-tracker/internal/llm"
	"generation-tracker/internal/logger"
	"generation-tracker/internal/models"
)

// WebsiteHandler builds a single-page website in four stages: planning,
// thinking, coding and validating. Thinking and code are streamed into the
// job's streams as growing snapshots.
type WebsiteHandler struct {
	llm        llm.Client
	flushEvery int
}

func NewWebsiteHandler(client llm.Client) *WebsiteHandler {
	return &WebsiteHandler{llm: client, flushEvery: 512}
}

type websiteInput struct {
	Prompt string `json:"prompt" validate:"notblank,max=4000"`
	Style  string `json:"style" validate:"max=200"`
}

type sitePlan struct {
	Title    string        `json:"title"`
	Audience string        `json:"audience"`
	Sections []planSection `json:"sections"`
}

type planSection struct {
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
}

const planSchemaJSON = `{
  "type": "object",
  "required": ["title", "sections"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "audience": {"type": "string"},
    "sections": {
      "type": "array",
      "minItems": 1,
      "maxItems": 12,
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "purpose": {"type": "string"}
        }
      }
    }
  }
}`

var planSchema = mustSchema(planSchemaJSON)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid plan schema: %v", err))
	}
	return s
}

func (h *WebsiteHandler) Kind() string { return "website" }

func (h *WebsiteHandler) Validate(input map[string]any) error {
	_, err := decodeInput[websiteInput](input)
	return err
}

func (h *WebsiteHandler) Handle(ctx context.Context, job models.Job, rec *jobs.Recorder) (map[string]any, error) {
	in, err := decodeInput[websiteInput](job.Input)
	if err != nil {
		return nil, err
	}

	if err := rec.Processing(ctx, "planning", "Planning the website structure"); err != nil {
		return nil, err
	}
	plan, err := h.plan(ctx, in)
	if err != nil {
		return nil, err
	}
	_ = rec.Progress(ctx, 0.15, fmt.Sprintf("Planned %d sections for %q", len(plan.Sections), plan.Title))

	if err := rec.Processing(ctx, "thinking", "Thinking through layout and content"); err != nil {
		return nil, err
	}
	thinking, err := h.stream(ctx, thinkingPrompt(in, plan), rec.Thinking)
	if err != nil {
		return nil, err
	}
	_ = rec.Progress(ctx, 0.35, "")

	if err := rec.Processing(ctx, "coding", "Writing the page"); err != nil {
		return nil, err
	}
	code, err := h.stream(ctx, codingPrompt(in, plan, thinking), rec.Code)
	if err != nil {
		return nil, err
	}
	_ = rec.Progress(ctx, 0.85, "")

	if err := rec.Processing(ctx, "validating", "Checking the generated HTML"); err != nil {
		return nil, err
	}
	page, err := inspectHTML(llm.CleanHTMLBlock(code))
	if err != nil {
		return nil, err
	}
	if page.title == "" {
		page.title = plan.Title
	}
	return map[string]any{
		"html":     page.html,
		"title":    page.title,
		"sections": page.sections,
	}, nil
}

func (h *WebsiteHandler) plan(ctx context.Context, in websiteInput) (sitePlan, error) {
	raw, err := h.llm.GenerateJSON(ctx, planningPrompt(in))
	if err != nil {
		return sitePlan{}, err
	}
	res, err := planSchema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return sitePlan{}, &userError{msg: "The website plan could not be read.", cause: err}
	}
	if !res.Valid() {
		problems := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			problems = append(problems, e.String())
		}
		logger.FromContext(ctx).WithField("problems", problems).Warn("plan failed schema validation")
		return sitePlan{}, &userError{msg: "The website plan was incomplete.", cause: fmt.Errorf("%s", strings.Join(problems, "; "))}
	}
	var plan sitePlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return sitePlan{}, &userError{msg: "The website plan could not be read.", cause: err}
	}
	return plan, nil
}

// stream runs a streaming generation and publishes the accumulated text
// through emit every flushEvery bytes, plus once at the end.
func (h *WebsiteHandler) stream(ctx context.Context, prompt string, emit func(context.Context, string) error) (string, error) {
	var (
		sb      strings.Builder
		pending int
	)
	text, err := h.llm.Stream(ctx, prompt, func(chunk string) error {
		sb.WriteString(chunk)
		pending += len(chunk)
		if pending < h.flushEvery {
			return nil
		}
		pending = 0
		return emit(ctx, sb.String())
	})
	if err != nil {
		return "", err
	}
	if pending > 0 || sb.Len() == 0 {
		if err := emit(ctx, text); err != nil {
			return "", err
		}
	}
	return text, nil
}

type inspectedPage struct {
	html     string
	title    string
	sections int
}

func inspectHTML(html string) (inspectedPage, error) {
	lower := strings.ToLower(html)
	if !strings.Contains(lower, "<html") || !strings.Contains(lower, "<body") {
		return inspectedPage{}, &userError{msg: "The generated page is not a complete HTML document."}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return inspectedPage{}, &userError{msg: "The generated page could not be parsed.", cause: err}
	}
	if strings.TrimSpace(doc.Find("body").Text()) == "" && doc.Find("body img").Length() == 0 {
		return inspectedPage{}, &userError{msg: "The generated page is empty."}
	}
	return inspectedPage{
		html:     html,
		title:    strings.TrimSpace(doc.Find("title").First().Text()),
		sections: doc.Find("section").Length(),
	}, nil
}

func planningPrompt(in websiteInput) string {
	var sb strings.Builder
	sb.WriteString("You are planning a single-page marketing website.\n")
	sb.WriteString("Return only JSON of the form {\"title\": string, \"audience\": string, \"sections\": [{\"name\": string, \"purpose\": string}]}.\n")
	sb.WriteString("Use between 3 and 8 sections.\n\n")
	sb.WriteString("Request:\n")
	sb.WriteString(in.Prompt)
	if in.Style != "" {
		sb.WriteString("\n\nVisual style: ")
		sb.WriteString(in.Style)
	}
	return sb.String()
}

func thinkingPrompt(in websiteInput, plan sitePlan) string {
	var sb strings.Builder
	sb.WriteString("Think step by step about the layout, copy and visual hierarchy for this website before any code is written. ")
	sb.WriteString("Write plain prose, no code.\n\n")
	fmt.Fprintf(&sb, "Request: %s\nTitle: %s\n", in.Prompt, plan.Title)
	if plan.Audience != "" {
		fmt.Fprintf(&sb, "Audience: %s\n", plan.Audience)
	}
	for i, s := range plan.Sections {
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, s.Name, s.Purpose)
	}
	return sb.String()
}

func codingPrompt(in websiteInput, plan sitePlan, thinking string) string {
	var sb strings.Builder
	sb.WriteString("Write a complete, self-contained HTML5 document with inline CSS for the website below. ")
	sb.WriteString("Wrap each planned section in a <section> element. Return only the HTML.\n\n")
	fmt.Fprintf(&sb, "Request: %s\nTitle: %s\n", in.Prompt, plan.Title)
	if in.Style != "" {
		fmt.Fprintf(&sb, "Style: %s\n", in.Style)
	}
	for i, s := range plan.Sections {
		fmt.Fprintf(&sb, "Section %d: %s (%s)\n", i+1, s.Name, s.Purpose)
	}
	sb.WriteString("\nDesign notes:\n")
	sb.WriteString(thinking)
	return sb.String()
}
