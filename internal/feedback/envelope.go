package feedback

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
)

// Envelope is the build state change notification as the build service
// emits it.
type Envelope struct {
	ID         string         `json:"id"`
	DetailType string         `json:"detail-type"`
	Source     string         `json:"source"`
	Account    string         `json:"account"`
	Region     string         `json:"region"`
	Time       time.Time      `json:"time"`
	Resources  []string       `json:"resources"`
	Detail     EnvelopeDetail `json:"detail"`
}

type EnvelopeDetail struct {
	BuildStatus           domain.BuildStatus    `json:"build-status"`
	ProjectName           string                `json:"project-name"`
	BuildID               string                `json:"build-id"`
	AdditionalInformation AdditionalInformation `json:"additional-information"`
}

type AdditionalInformation struct {
	Phases      []domain.BuildPhase `json:"phases"`
	Logs        BuildLogs           `json:"logs"`
	Environment BuildEnvironment    `json:"environment"`
}

type BuildLogs struct {
	DeepLink string `json:"deep-link"`
}

type BuildEnvironment struct {
	EnvironmentVariables []EnvironmentVariable `json:"environment-variables"`
}

type EnvironmentVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

// DecodeEnvelope parses a build state change notification into a routable
// event.
func DecodeEnvelope(body []byte) (*domain.Event, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, domain.NewInvalidRequestError("decode build event: %v", err)
	}

	d := env.Detail
	if d.ProjectName == "" || d.BuildStatus == "" {
		return nil, domain.NewInvalidRequestError("build event requires detail.project-name and detail.build-status")
	}

	vars := make(map[string]string, len(d.AdditionalInformation.Environment.EnvironmentVariables))
	for _, v := range d.AdditionalInformation.Environment.EnvironmentVariables {
		vars[v.Name] = v.Value
	}

	id := env.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := env.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	resources := []string{d.ProjectName}
	if d.BuildID != "" {
		resources = append(resources, d.BuildID)
	}
	resources = append(resources, env.Resources...)

	return &domain.Event{
		ID:         id,
		Source:     domain.SourceBuildLifecycle,
		DetailType: domain.DetailBuildState,
		Time:       ts,
		Account:    env.Account,
		Region:     env.Region,
		Resources:  resources,
		Build: &domain.BuildCompletionEvent{
			ProjectName:          d.ProjectName,
			BuildID:              d.BuildID,
			BuildStatus:          d.BuildStatus,
			Region:               env.Region,
			Account:              env.Account,
			LogLink:              d.AdditionalInformation.Logs.DeepLink,
			Phases:               d.AdditionalInformation.Phases,
			EnvironmentVariables: vars,
		},
	}, nil
}
