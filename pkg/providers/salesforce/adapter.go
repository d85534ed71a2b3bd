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

// Package salesforce implements the adapter contract against the Salesforce
// REST API. Incremental pulls ride on a SystemModstamp watermark; in-flight
// pagination rides on the query locator URL Salesforce returns, so a pull is
// restartable from any cursor the adapter handed back.
package salesforce

import (
	"context"
	"crypto/hmac"
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
	apiVersion = "v59.0"
	pageSize   = 200

	signatureHeader = "X-Salesforce-Signature"

	instanceURLKey = "instanceUrl"
)

// Adapter talks to one Salesforce org per session.
type Adapter struct {
	provider *core.Provider
	client   *framework.Client
}

func NewAdapter(client *framework.Client, webhookSecret string) *Adapter {
	return &Adapter{
		client: client,
		provider: &core.Provider{
			ID:       "salesforce",
			Name:     "Salesforce",
			Category: core.CategoryCRM,
			Capabilities: []core.Capability{
				core.CapabilityRead, core.CapabilityWrite, core.CapabilityDelete,
				core.CapabilitySearch, core.CapabilityRealtime, core.CapabilityBulk,
			},
			SyncDirections: []core.SyncDirection{core.SyncPull, core.SyncPush, core.SyncBidirectional},
			AuthKind:       core.AuthOAuth2,
			OAuth: core.OAuthEndpoints{
				AuthURL:  "https://login.salesforce.com/services/oauth2/authorize",
				TokenURL: "https://login.salesforce.com/services/oauth2/token",
				Scopes:   []string{"api", "refresh_token"},
			},
			Entities:      []string{"Account", "Contact", "Opportunity"},
			Status:        core.ProviderActive,
			Audience:      core.AudienceTenant,
			RateLimit:     core.RateLimit{RequestsPerSecond: 25, MinSyncInterval: 5 * time.Minute},
			WebhookSecret: webhookSecret,
		},
	}
}

func (a *Adapter) Provider() *core.Provider { return a.provider }

func (a *Adapter) Connect(_ context.Context, integration *core.Integration, creds core.CredentialPayload) (*framework.Session, error) {
	instanceURL := creds.Custom[instanceURLKey]
	if instanceURL == "" {
		return nil, errors.Newf(errors.KindFatal, "salesforce credentials missing %s", instanceURLKey)
	}
	return &framework.Session{
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		ProviderID:    a.provider.ID,
		Credentials:   creds,
		Values:        map[string]string{instanceURLKey: strings.TrimSuffix(instanceURL, "/")},
	}, nil
}

func (a *Adapter) Disconnect(context.Context, *framework.Session) error { return nil }

// TestConnection lists available API versions, the cheapest authenticated call.
func (a *Adapter) TestConnection(ctx context.Context, session *framework.Session) error {
	_, err := a.client.Do(ctx, a.request(session, http.MethodGet, "/services/data/", nil, nil))
	return err
}

type queryResponse struct {
	TotalSize      int                      `json:"totalSize"`
	Done           bool                     `json:"done"`
	NextRecordsURL string                   `json:"nextRecordsUrl"`
	Records        []map[string]interface{} `json:"records"`
}

func (a *Adapter) FetchRecords(ctx context.Context, session *framework.Session, entity, cursor string, filters map[string]string) (framework.FetchPage, error) {
	var req *framework.Request
	switch {
	case strings.HasPrefix(cursor, "/"):
		// Mid-pull: the cursor is a Salesforce query locator path.
		req = a.request(session, http.MethodGet, cursor, nil, nil)
	default:
		soql := a.buildQuery(entity, cursor, filters)
		req = a.request(session, http.MethodGet, fmt.Sprintf("/services/data/%s/query", apiVersion), url.Values{"q": []string{soql}}, nil)
	}
	body, err := a.client.Do(ctx, req)
	if err != nil {
		return framework.FetchPage{}, err
	}
	resp := queryResponse{}
	if err := json.Unmarshal(body, &resp); err != nil {
		return framework.FetchPage{}, errors.Newf(errors.KindFatal, "decoding salesforce query response, %v", err)
	}

	page := framework.FetchPage{Done: resp.Done}
	watermark := cursor
	for _, rec := range resp.Records {
		delete(rec, "attributes")
		id, _ := rec["Id"].(string)
		modified := parseTimestamp(rec["SystemModstamp"])
		if stamp := formatTimestamp(modified); stamp > watermark {
			watermark = stamp
		}
		raw, _ := json.Marshal(rec)
		page.Records = append(page.Records, framework.Record{ExternalID: id, ModifiedAt: modified, Fields: raw})
	}
	if resp.Done {
		page.NextCursor = watermark
	} else {
		page.NextCursor = resp.NextRecordsURL
	}
	return page, nil
}

func (a *Adapter) buildQuery(entity, watermark string, filters map[string]string) string {
	fields := []string{"Id", "Name", "SystemModstamp"}
	if extra := filters["fields"]; extra != "" {
		fields = append(fields, strings.Split(extra, ",")...)
	}
	where := ""
	if watermark != "" {
		where = fmt.Sprintf(" WHERE SystemModstamp > %s", watermark)
	}
	return fmt.Sprintf("SELECT %s FROM %s%s ORDER BY SystemModstamp LIMIT %d",
		strings.Join(fields, ", "), entity, where, pageSize)
}

type createResponse struct {
	ID      string   `json:"id"`
	Success bool     `json:"success"`
	Errors  []string `json:"errors"`
}

func (a *Adapter) CreateRecord(ctx context.Context, session *framework.Session, entity string, fields map[string]interface{}) (string, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", errors.New(errors.KindValidation, err)
	}
	body, err := a.client.Do(ctx, a.request(session, http.MethodPost,
		fmt.Sprintf("/services/data/%s/sobjects/%s", apiVersion, entity), nil, payload))
	if err != nil {
		return "", err
	}
	resp := createResponse{}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errors.Newf(errors.KindFatal, "decoding salesforce create response, %v", err)
	}
	return resp.ID, nil
}

func (a *Adapter) UpdateRecord(ctx context.Context, session *framework.Session, entity, externalID string, fields map[string]interface{}) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return errors.New(errors.KindValidation, err)
	}
	_, err = a.client.Do(ctx, a.request(session, http.MethodPatch,
		fmt.Sprintf("/services/data/%s/sobjects/%s/%s", apiVersion, entity, externalID), nil, payload))
	return err
}

func (a *Adapter) DeleteRecord(ctx context.Context, session *framework.Session, entity, externalID string) error {
	_, err := a.client.Do(ctx, a.request(session, http.MethodDelete,
		fmt.Sprintf("/services/data/%s/sobjects/%s/%s", apiVersion, entity, externalID), nil, nil))
	return err
}

// RegisterWebhook creates a PushTopic streaming any change to the entity.
func (a *Adapter) RegisterWebhook(ctx context.Context, session *framework.Session, entity, callbackURL string) (string, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"Name":                fmt.Sprintf("shardstream-%s-%s", session.IntegrationID, entity),
		"Query":               fmt.Sprintf("SELECT Id FROM %s", entity),
		"ApiVersion":          strings.TrimPrefix(apiVersion, "v"),
		"NotifyForOperations": "All",
		"NotifyForFields":     "All",
		"Description":         callbackURL,
	})
	body, err := a.client.Do(ctx, a.request(session, http.MethodPost,
		fmt.Sprintf("/services/data/%s/sobjects/PushTopic", apiVersion), nil, payload))
	if err != nil {
		return "", err
	}
	resp := createResponse{}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errors.Newf(errors.KindFatal, "decoding pushtopic response, %v", err)
	}
	return resp.ID, nil
}

type webhookPayload struct {
	OrganizationID string          `json:"organizationId"`
	Entity         string          `json:"entity"`
	RecordID       string          `json:"recordId"`
	Deleted        bool            `json:"deleted"`
	ObservedAt     time.Time       `json:"observedAt"`
	Record         json.RawMessage `json:"record"`
}

// VerifyWebhook checks the HMAC-SHA256 body signature against the configured
// secret before trusting anything in the payload.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers http.Header) (framework.WebhookEvent, error) {
	signature := headers.Get(signatureHeader)
	if signature == "" {
		return framework.WebhookEvent{}, errors.Newf(errors.KindSignatureInvalid, "missing %s header", signatureHeader)
	}
	mac := hmac.New(sha256.New, []byte(a.provider.WebhookSecret))
	mac.Write(rawBody)
	if !hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(signature)) {
		return framework.WebhookEvent{}, errors.Newf(errors.KindSignatureInvalid, "salesforce signature mismatch")
	}
	payload := webhookPayload{}
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return framework.WebhookEvent{}, errors.Newf(errors.KindValidation, "decoding salesforce webhook, %v", err)
	}
	return framework.WebhookEvent{
		ExternalAccountID: payload.OrganizationID,
		Entity:            payload.Entity,
		ExternalID:        payload.RecordID,
		ObservedAt:        payload.ObservedAt,
		Deleted:           payload.Deleted,
		Record:            payload.Record,
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
		URL:               session.Values[instanceURLKey] + path,
		Query:             query,
		Header:            header,
		Body:              body,
		AuthHeader:        "Bearer " + session.Credentials.AccessToken,
	}
}

func parseTimestamp(v interface{}) time.Time {
	s, _ := v.(string)
	// Salesforce emits 2024-01-02T03:04:05.000+0000.
	for _, layout := range []string{"2006-01-02T15:04:05.000-0700", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
