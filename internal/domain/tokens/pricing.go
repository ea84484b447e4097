package tokens

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed pricing.yaml
var defaultPricingYAML []byte

// Pricing is the fixed cost table. It is loaded once at startup and never
// persisted per job; a dataset's stored token_cost is what gets charged.
type Pricing struct {
	ImageUploading      Amount `yaml:"image_uploading" json:"image_uploading"`
	FrameVideoUploading Amount `yaml:"frame_video_uploading" json:"frame_video_uploading"`
	ImageInference      Amount `yaml:"image_inference" json:"image_inference"`
	FrameVideoInference Amount `yaml:"frame_video_inference" json:"frame_video_inference"`
	InitialBalance      Amount `yaml:"initial_balance" json:"initial_balance"`
	MaxTopUp            Amount `yaml:"max_top_up" json:"max_top_up"`
}

func DefaultPricing() Pricing {
	p, err := ParsePricing(defaultPricingYAML, Pricing{})
	if err != nil {
		panic(fmt.Sprintf("embedded pricing.yaml: %v", err))
	}
	return p
}

// ParsePricing overlays raw YAML onto base. Keys missing from raw keep base values.
func ParsePricing(raw []byte, base Pricing) (Pricing, error) {
	out := base
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return Pricing{}, fmt.Errorf("parse pricing: %w", err)
	}
	return out, out.Validate()
}

func (p Pricing) Validate() error {
	for name, v := range map[string]Amount{
		"image_uploading":       p.ImageUploading,
		"frame_video_uploading": p.FrameVideoUploading,
		"image_inference":       p.ImageInference,
		"frame_video_inference": p.FrameVideoInference,
		"initial_balance":       p.InitialBalance,
		"max_top_up":            p.MaxTopUp,
	} {
		if v < 0 {
			return fmt.Errorf("pricing %s must not be negative (got %s)", name, v)
		}
	}
	return nil
}
