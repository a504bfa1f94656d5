package gamedb

import (
	"context"
	"fmt"

	"conversation-orchestrator/pkg/models"
)

// Endpoints served by the api_call action
const (
	EndpointLaunchDate = "launch_date"
)

// APICall implements the api_call action against the game database.
type APICall struct {
	client *Client
}

func NewAPICall(client *Client) *APICall {
	return &APICall{client: client}
}

func (a *APICall) Execute(ctx context.Context, action models.Action, tc *models.TurnContext) (interface{}, error) {
	switch endpoint := action.Param("endpoint"); endpoint {
	case EndpointLaunchDate:
		info, err := a.client.LaunchDate(ctx, action.Param("region"))
		if err != nil {
			return nil, err
		}
		return info.Date, nil
	default:
		return nil, fmt.Errorf("%w: unknown endpoint %q", models.ErrExternalCall, endpoint)
	}
}

// KnowledgeSearch implements the knowledge_search action.
type KnowledgeSearch struct {
	client *Client
}

func NewKnowledgeSearch(client *Client) *KnowledgeSearch {
	return &KnowledgeSearch{client: client}
}

func (k *KnowledgeSearch) Execute(ctx context.Context, action models.Action, tc *models.TurnContext) (interface{}, error) {
	query := action.Param("query")
	if query == "" && tc != nil {
		query = tc.Text()
	}
	language := action.Param("language")
	if language == "" && tc != nil {
		language = tc.Language
	}
	answer, _, err := k.client.Search(ctx, query, language)
	if err != nil {
		return nil, err
	}
	return answer, nil
}
