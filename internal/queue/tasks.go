package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeFisheyeImage = "image:fisheye"

type FisheyePayload struct {
	JobID       string    `json:"job_id"`
	SourceType  string    `json:"source_type"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	ObjectKey   string    `json:"object_key"`
	Strength    float64   `json:"strength"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewFisheyeTask(payload FisheyePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal fisheye payload: %w", err)
	}
	return asynq.NewTask(TypeFisheyeImage, body), nil
}

func ParseFisheyePayload(task *asynq.Task) (FisheyePayload, error) {
	var payload FisheyePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return FisheyePayload{}, fmt.Errorf("unmarshal fisheye payload: %w", err)
	}
	if strings.TrimSpace(payload.JobID) == "" {
		return FisheyePayload{}, errors.New("fisheye payload missing job_id")
	}
	if strings.TrimSpace(payload.ObjectKey) == "" {
		return FisheyePayload{}, errors.New("fisheye payload missing object_key")
	}
	return payload, nil
}
