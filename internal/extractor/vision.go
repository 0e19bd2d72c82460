package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"

	"github.com/dealhound/deal-scraper/internal/models"
)

// Screenshotter captures a rendered page as a PNG. Implemented by the
// browser package.
type Screenshotter interface {
	Screenshot(ctx context.Context, url string) ([]byte, error)
}

// VisionModel is the slice of the Gemini client the extractor needs.
type VisionModel interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// VisionConfig is the static configuration for one vision-based site.
type VisionConfig struct {
	Name     string
	URL      string
	Currency string
	Regions  []string
}

// VisionExtractor screenshots a sale page and asks a metered multimodal
// model to read the deals off it. Non-deterministic and costly: every run
// reports token usage so the cost governor can bill it, including runs
// whose output could not be parsed.
type VisionExtractor struct {
	cfg    VisionConfig
	shots  Screenshotter
	model  VisionModel
	logger *slog.Logger
}

func NewVision(cfg VisionConfig, shots Screenshotter, model VisionModel, logger *slog.Logger) *VisionExtractor {
	return &VisionExtractor{
		cfg:    cfg,
		shots:  shots,
		model:  model,
		logger: logger.With("component", "vision_extractor", "site", cfg.Name),
	}
}

func (e *VisionExtractor) Name() string     { return e.cfg.Name }
func (e *VisionExtractor) Variant() Variant { return VariantVision }

const visionPrompt = `You are reading a screenshot of a retailer's sale page.
List every discounted product visible. Respond with a JSON array only, no
prose and no markdown fences. Each element:
{"name": string, "brand": string, "original_price": number, "sale_price": number, "url": string, "image_url": string}
Prices must be the numbers printed on the page. Use the struck-through price
as original_price; if no struck-through price is shown, omit the product
entirely. Report at most %d products.`

func (e *VisionExtractor) Run(ctx context.Context, maxRecords int) (*Result, error) {
	img, err := e.shots.Screenshot(ctx, e.cfg.URL)
	if err != nil {
		// No AI call was made, so there is no usage to report.
		return nil, fmt.Errorf("failed to capture %s: %w", e.cfg.URL, err)
	}

	resp, err := e.model.GenerateContent(ctx,
		genai.Text(fmt.Sprintf(visionPrompt, maxRecords)),
		genai.ImageData("png", img),
	)
	if err != nil {
		return nil, fmt.Errorf("vision call failed: %w", err)
	}

	// From here on the call has been billed: always attach usage, even when
	// the reply is unusable.
	result := &Result{Usage: usageFrom(resp)}

	text, err := responseText(resp)
	if err != nil {
		return result, err
	}

	records, err := e.parseDeals(text, maxRecords)
	if err != nil {
		return result, err
	}

	result.Records = records
	return result, nil
}

func usageFrom(resp *genai.GenerateContentResponse) *Usage {
	u := &Usage{HasImage: true}
	if resp.UsageMetadata != nil {
		u.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		u.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return u
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("model returned no candidates")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("model returned no text content")
	}
	return sb.String(), nil
}

type visionDeal struct {
	Name          string  `json:"name"`
	Brand         string  `json:"brand"`
	OriginalPrice float64 `json:"original_price"`
	SalePrice     float64 `json:"sale_price"`
	URL           string  `json:"url"`
	ImageURL      string  `json:"image_url"`
}

func (e *VisionExtractor) parseDeals(text string, maxRecords int) ([]models.RawDeal, error) {
	// Models wrap JSON in markdown fences despite instructions.
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var parsed []visionDeal
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse model reply: %w", err)
	}

	if len(parsed) > maxRecords {
		parsed = parsed[:maxRecords]
	}

	records := make([]models.RawDeal, 0, len(parsed))
	for _, d := range parsed {
		records = append(records, models.RawDeal{
			Name:          d.Name,
			Brand:         d.Brand,
			OriginalPrice: d.OriginalPrice,
			SalePrice:     d.SalePrice,
			Currency:      e.cfg.Currency,
			ImageURL:      d.ImageURL,
			URL:           d.URL,
			Source:        e.cfg.Name,
			Regions:       e.cfg.Regions,
		})
	}

	e.logger.Debug("model reply parsed", "records", len(records))
	return records, nil
}
