package plans

import (
	_ "embed"
	"encoding/json"
	"log"
)

//go:embed free.json
var freeJSON []byte

//go:embed pro.json
var proJSON []byte

// FreePlan holds the limits applied to viewers without a Pro unlock.
type FreePlan struct {
	PreviewSeconds  int `json:"previewSeconds"`
	PointsPerLesson int `json:"pointsPerLesson"`
}

// ProPlan holds the pricing of the one-time Pro unlock.
type ProPlan struct {
	UnlockAmountMinorUnits int    `json:"unlockAmountMinorUnits"`
	Currency               string `json:"currency"`
}

var (
	Free FreePlan
	Pro  ProPlan
)

func init() {
	if err := json.Unmarshal(freeJSON, &Free); err != nil {
		log.Fatalf("failed to parse free.json: %v", err)
	}
	if err := json.Unmarshal(proJSON, &Pro); err != nil {
		log.Fatalf("failed to parse pro.json: %v", err)
	}
}
