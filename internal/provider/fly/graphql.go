package fly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iterate-ops/machines/internal/model"
)

// The fleet's REST API does not expose IP allocation or org-wide app
// listing; those two operations go through its GraphQL API.

// GraphQLConfig is the configuration for the fleet GraphQL client.
type GraphQLConfig struct {
	// APIURL is the GraphQL endpoint.
	APIURL string
	// Token authenticates every request as a bearer token.
	Token string
	// HTTPClient defaults to a client with a moderate per-request timeout.
	HTTPClient *http.Client
}

func (c *GraphQLConfig) defaults() error {
	if c.APIURL == "" {
		c.APIURL = "https://api.fly.io/graphql"
	}
	if c.Token == "" {
		return fmt.Errorf("API token is required: %w", model.ErrNotValid)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

// GraphQLClient issues the few GraphQL operations the provider needs.
type GraphQLClient struct {
	apiURL string
	token  string
	client *http.Client
}

// NewGraphQLClient creates a new fleet GraphQL client.
func NewGraphQLClient(cfg GraphQLConfig) (*GraphQLClient, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &GraphQLClient{
		apiURL: cfg.APIURL,
		token:  cfg.Token,
		client: cfg.HTTPClient,
	}, nil
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// SharedIPv4 returns the app's shared IPv4 address, or empty when none is
// allocated yet.
func (c *GraphQLClient) SharedIPv4(ctx context.Context, appName string) (string, error) {
	const query = `query($appName: String!) { app(name: $appName) { sharedIpAddress } }`

	var result struct {
		App *struct {
			SharedIPAddress string `json:"sharedIpAddress"`
		} `json:"app"`
	}
	err := c.do(ctx, query, map[string]interface{}{"appName": appName}, &result)
	if err != nil {
		return "", fmt.Errorf("could not query shared IPv4 of app %s: %w", appName, err)
	}
	if result.App == nil {
		return "", fmt.Errorf("app %s: %w", appName, model.ErrNotFound)
	}

	return result.App.SharedIPAddress, nil
}

// AllocateSharedIPv4 allocates a shared IPv4 address for the app. The
// allocation is not reliably reflected in the mutation response, so callers
// re-verify with SharedIPv4 afterwards.
func (c *GraphQLClient) AllocateSharedIPv4(ctx context.Context, appName string) error {
	const mutation = `mutation($input: AllocateIPAddressInput!) {
		allocateIpAddress(input: $input) { app { sharedIpAddress } }
	}`

	input := map[string]interface{}{"appId": appName, "type": "shared_v4"}
	err := c.do(ctx, mutation, map[string]interface{}{"input": input}, nil)
	if err != nil {
		return fmt.Errorf("could not allocate shared IPv4 for app %s: %w", appName, err)
	}

	return nil
}

// appListing is one org app as returned by ListApps.
type appListing struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

// ListApps lists the apps of an organization, for reconciliation.
func (c *GraphQLClient) ListApps(ctx context.Context, orgSlug string) ([]appListing, error) {
	const query = `query($slug: String!) {
		organization(slug: $slug) { apps { nodes { name status createdAt } } }
	}`

	var result struct {
		Organization *struct {
			Apps struct {
				Nodes []appListing `json:"nodes"`
			} `json:"apps"`
		} `json:"organization"`
	}
	err := c.do(ctx, query, map[string]interface{}{"slug": orgSlug}, &result)
	if err != nil {
		return nil, fmt.Errorf("could not list apps of org %s: %w", orgSlug, err)
	}
	if result.Organization == nil {
		return nil, fmt.Errorf("organization %s: %w", orgSlug, model.ErrNotFound)
	}

	return result.Organization.Apps.Nodes, nil
}

func (c *GraphQLClient) do(ctx context.Context, query string, variables map[string]interface{}, result interface{}) error {
	raw, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("could not marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GraphQL endpoint returned status %d", resp.StatusCode)
	}

	gqlResp := graphQLResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&gqlResp); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		messages := make([]string, 0, len(gqlResp.Errors))
		for _, e := range gqlResp.Errors {
			messages = append(messages, e.Message)
		}
		message := strings.Join(messages, "; ")
		if strings.Contains(strings.ToLower(message), "not found") {
			return fmt.Errorf("%s: %w", message, model.ErrNotFound)
		}
		return fmt.Errorf("GraphQL error: %s", message)
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(gqlResp.Data, result); err != nil {
		return fmt.Errorf("could not decode response data: %w", err)
	}

	return nil
}
