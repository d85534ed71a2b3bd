/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package hubspot implements the adapter contract against the HubSpot CRM v3
// API. Incremental pulls use the search endpoint filtered on
// hs_lastmodifieddate with the paging `after` token carried in the cursor.
package hubspot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/providers/framework"
)

const (
	baseURL  = "https://api.hubapi.com"
	pageSize = 100

	signatureHeader = "X-HubSpot-Signature"
)

// cursor is the JSON-encoded pull position: the modification watermark plus
// the in-flight paging token.
type cursor struct {
	Since string `json:"since,omitempty"`
	After string `json:"after,omitempty"`
}

// Adapter talks to one HubSpot portal per session.
type Adapter struct {
	provider *core.Provider
	client   *framework.Client
	// baseURL is overridable for tests.
	baseURL string
}

func NewAdapter(client *framework.Client, webhookSecret string) *Adapter {
	return &Adapter{
		client:  client,
		baseURL: baseURL,
		provider: &core.Provider{
			ID:       "hubspot",
			Name:     "HubSpot",
			Category: core.CategoryCRM,
			Capabilities: []core.Capability{
				core.CapabilityRead, core.CapabilityWrite, core.CapabilityDelete, core.CapabilitySearch,
			},
			SyncDirections: []core.SyncDirection{core.SyncPull, core.SyncPush, core.SyncBidirectional},
			AuthKind:       core.AuthOAuth2,
			OAuth: core.OAuthEndpoints{
				AuthURL:  "https://app.hubspot.com/oauth/authorize",
				TokenURL: "https://api.hubapi.com/oauth/v1/token",
				Scopes:   []string{"crm.objects.contacts.read", "crm.objects.companies.read", "crm.objects.deals.read"},
			},
			Entities:      []string{"contacts", "companies", "deals"},
			Status:        core.ProviderActive,
			Audience:      core.AudienceTenant,
			RateLimit:     core.RateLimit{RequestsPerSecond: 10, MinSyncInterval: 5 * time.Minute},
			WebhookSecret: webhookSecret,
		},
	}
}

// WithBaseURL points the adapter at a test server.
func (a *Adapter) WithBaseURL(u string) *Adapter {
	a.baseURL = u
	return a
}

func (a *Adapter) Provider() *core.Provider { return a.provider }

func (a *Adapter) Connect(_ context.Context, integration *core.Integration, creds core.CredentialPayload) (*framework.Session, error) {
	return &framework.Session{
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		ProviderID:    a.provider.ID,
		Credentials:   creds,
	}, nil
}

func (a *Adapter) Disconnect(context.Context, *framework.Session) error { return nil }

func (a *Adapter) TestConnection(ctx context.Context, session *framework.Session) error {
	_, err := a.client.Do(ctx, a.request(session, http.MethodGet, "/crm/v3/objects/contacts", url.Values{"limit": []string{"1"}}, nil))
	return err
}

type searchResponse struct {
	Total   int `json:"total"`
	Results []struct {
		ID         string            `json:"id"`
		Properties map[string]string `json:"properties"`
		UpdatedAt  time.Time         `json:"updatedAt"`
		Archived   bool              `json:"archived"`
	} `json:"results"`
	Paging *struct {
		Next struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

func (a *Adapter) FetchRecords(ctx context.Context, session *framework.Session, entity, rawCursor string, filters map[string]string) (framework.FetchPage, error) {
	cur := cursor{}
	if rawCursor != "" {
		if err := json.Unmarshal([]byte(rawCursor), &cur); err != nil {
			// Legacy plain watermark cursors stay readable.
			cur = cursor{Since: rawCursor}
		}
	}
	search := map[string]interface{}{
		"limit": pageSize,
		"sorts": []map[string]string{{"propertyName": "hs_lastmodifieddate", "direction": "ASCENDING"}},
	}
	if cur.After != "" {
		search["after"] = cur.After
	}
	if cur.Since != "" {
		search["filterGroups"] = []map[string]interface{}{{
			"filters": []map[string]string{{
				"propertyName": "hs_lastmodifieddate",
				"operator":     "GT",
				"value":        cur.Since,
			}},
		}}
	}
	payload, _ := json.Marshal(search)
	body, err := a.client.Do(ctx, a.request(session, http.MethodPost,
		fmt.Sprintf("/crm/v3/objects/%s/search", entity), nil, payload))
	if err != nil {
		return framework.FetchPage{}, err
	}
	resp := searchResponse{}
	if err := json.Unmarshal(body, &resp); err != nil {
		return framework.FetchPage{}, errors.Newf(errors.KindFatal, "decoding hubspot search response, %v", err)
	}

	page := framework.FetchPage{}
	watermark := cur.Since
	for _, result := range resp.Results {
		raw, _ := json.Marshal(result.Properties)
		page.Records = append(page.Records, framework.Record{
			ExternalID: result.ID,
			ModifiedAt: result.UpdatedAt,
			Deleted:    result.Archived,
			Fields:     raw,
		})
		if stamp := fmt.Sprintf("%d", result.UpdatedAt.UnixMilli()); stamp > watermark || watermark == "" {
			watermark = stamp
		}
	}
	if resp.Paging != nil && resp.Paging.Next.After != "" {
		next, _ := json.Marshal(cursor{Since: cur.Since, After: resp.Paging.Next.After})
		page.NextCursor = string(next)
	} else {
		page.Done = true
		next, _ := json.Marshal(cursor{Since: watermark})
		page.NextCursor = string(next)
	}
	return page, nil
}

type objectResponse struct {
	ID string `json:"id"`
}

func (a *Adapter) CreateRecord(ctx context.Context, session *framework.Session, entity string, fields map[string]interface{}) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{"properties": fields})
	if err != nil {
		return "", errors.New(errors.KindValidation, err)
	}
	body, err := a.client.Do(ctx, a.request(session, http.MethodPost,
		fmt.Sprintf("/crm/v3/objects/%s", entity), nil, payload))
	if err != nil {
		return "", err
	}
	resp := objectResponse{}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errors.Newf(errors.KindFatal, "decoding hubspot create response, %v", err)
	}
	return resp.ID, nil
}

func (a *Adapter) UpdateRecord(ctx context.Context, session *framework.Session, entity, externalID string, fields map[string]interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{"properties": fields})
	if err != nil {
		return errors.New(errors.KindValidation, err)
	}
	_, err = a.client.Do(ctx, a.request(session, http.MethodPatch,
		fmt.Sprintf("/crm/v3/objects/%s/%s", entity, externalID), nil, payload))
	return err
}

func (a *Adapter) DeleteRecord(ctx context.Context, session *framework.Session, entity, externalID string) error {
	_, err := a.client.Do(ctx, a.request(session, http.MethodDelete,
		fmt.Sprintf("/crm/v3/objects/%s/%s", entity, externalID), nil, nil))
	return err
}

func (a *Adapter) RegisterWebhook(ctx context.Context, session *framework.Session, entity, callbackURL string) (string, error) {
	// HubSpot webhook subscriptions are app-level; record intent via the
	// subscriptions API using the app id from the credential.
	appID := session.Credentials.Custom["appId"]
	if appID == "" {
		return "", framework.ErrNotSupported
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"eventType":        entity + ".propertyChange",
		"active":           true,
		"propertyName":     "hs_lastmodifieddate",
		"webhookTargetUrl": callbackURL,
	})
	body, err := a.client.Do(ctx, a.request(session, http.MethodPost,
		fmt.Sprintf("/webhooks/v3/%s/subscriptions", appID), nil, payload))
	if err != nil {
		return "", err
	}
	resp := objectResponse{}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errors.Newf(errors.KindFatal, "decoding hubspot subscription response, %v", err)
	}
	return resp.ID, nil
}

type webhookEvent struct {
	ObjectID         int64  `json:"objectId"`
	PortalID         int64  `json:"portalId"`
	SubscriptionType string `json:"subscriptionType"`
	OccurredAt       int64  `json:"occurredAt"`
}

// VerifyWebhook validates the v1 signature: hex SHA-256 of the client secret
// concatenated with the raw body.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers http.Header) (framework.WebhookEvent, error) {
	signature := headers.Get(signatureHeader)
	if signature == "" {
		return framework.WebhookEvent{}, errors.Newf(errors.KindSignatureInvalid, "missing %s header", signatureHeader)
	}
	sum := sha256.Sum256(append([]byte(a.provider.WebhookSecret), rawBody...))
	if hex.EncodeToString(sum[:]) != signature {
		return framework.WebhookEvent{}, errors.Newf(errors.KindSignatureInvalid, "hubspot signature mismatch")
	}
	var events []webhookEvent
	if err := json.Unmarshal(rawBody, &events); err != nil || len(events) == 0 {
		return framework.WebhookEvent{}, errors.Newf(errors.KindValidation, "decoding hubspot webhook batch")
	}
	first := events[0]
	entity, _, _ := strings.Cut(first.SubscriptionType, ".")
	return framework.WebhookEvent{
		ExternalAccountID: fmt.Sprintf("%d", first.PortalID),
		Entity:            entity,
		ExternalID:        fmt.Sprintf("%d", first.ObjectID),
		ObservedAt:        time.UnixMilli(first.OccurredAt),
		Record:            rawBody,
	}, nil
}

func (a *Adapter) Refresh(ctx context.Context, creds core.CredentialPayload) (core.CredentialPayload, error) {
	conf := &oauth2.Config{
		ClientID:     creds.Custom["clientId"],
		ClientSecret: creds.Custom["clientSecret"],
		Endpoint:     oauth2.Endpoint{AuthURL: a.provider.OAuth.AuthURL, TokenURL: a.provider.OAuth.TokenURL},
	}
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return core.CredentialPayload{}, errors.New(errors.KindAuthExpired, err)
	}
	refreshed := creds
	refreshed.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	refreshed.TokenExpiry = token.Expiry
	return refreshed, nil
}

func (a *Adapter) request(session *framework.Session, method, path string, query url.Values, body []byte) *framework.Request {
	header := http.Header{}
	if body != nil {
		header.Set("Content-Type", "application/json")
	}
	return &framework.Request{
		TenantID:          session.TenantID,
		ProviderID:        a.provider.ID,
		RequestsPerSecond: a.provider.RateLimit.RequestsPerSecond,
		Method:            method,
		URL:               a.baseURL + path,
		Query:             query,
		Header:            header,
		Body:              body,
		AuthHeader:        "Bearer " + session.Credentials.AccessToken,
	}
}
