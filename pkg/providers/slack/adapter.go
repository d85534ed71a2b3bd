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

// Package slack implements the adapter contract over the official Slack
// client. Messages pull per channel; the channel id arrives through the
// integration's pull filters. Event subscriptions are configured in the Slack
// app itself, so RegisterWebhook only records the target.
package slack

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/shardstream/shardstream/pkg/apis/core"
	"github.com/shardstream/shardstream/pkg/errors"
	"github.com/shardstream/shardstream/pkg/providers/framework"
)

const pageSize = 200

// Adapter wraps the Slack Web API for one workspace per session.
type Adapter struct {
	provider *core.Provider
	// newClient is swappable so tests can point at a fake API host.
	newClient func(token string) *slackapi.Client
}

func NewAdapter(webhookSecret string) *Adapter {
	return &Adapter{
		newClient: func(token string) *slackapi.Client { return slackapi.New(token) },
		provider: &core.Provider{
			ID:             "slack",
			Name:           "Slack",
			Category:       core.CategoryMessaging,
			Capabilities:   []core.Capability{core.CapabilityRead, core.CapabilityWrite, core.CapabilityDelete, core.CapabilityRealtime},
			SyncDirections: []core.SyncDirection{core.SyncPull, core.SyncPush, core.SyncBidirectional},
			AuthKind:       core.AuthOAuth2,
			OAuth: core.OAuthEndpoints{
				AuthURL:  "https://slack.com/oauth/v2/authorize",
				TokenURL: "https://slack.com/api/oauth.v2.access",
				Scopes:   []string{"channels:history", "channels:read", "chat:write"},
			},
			Entities:      []string{"message"},
			Status:        core.ProviderActive,
			Audience:      core.AudienceTenant,
			RateLimit:     core.RateLimit{RequestsPerSecond: 10, MinSyncInterval: 5 * time.Minute},
			WebhookSecret: webhookSecret,
		},
	}
}

// WithClientFactory overrides client construction for tests.
func (a *Adapter) WithClientFactory(factory func(token string) *slackapi.Client) *Adapter {
	a.newClient = factory
	return a
}

func (a *Adapter) Provider() *core.Provider { return a.provider }

func (a *Adapter) Connect(_ context.Context, integration *core.Integration, creds core.CredentialPayload) (*framework.Session, error) {
	if creds.AccessToken == "" {
		return nil, errors.Newf(errors.KindAuthExpired, "slack credentials missing access token")
	}
	return &framework.Session{
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		ProviderID:    a.provider.ID,
		Credentials:   creds,
	}, nil
}

func (a *Adapter) Disconnect(context.Context, *framework.Session) error { return nil }

func (a *Adapter) TestConnection(ctx context.Context, session *framework.Session) error {
	if _, err := a.newClient(session.Credentials.AccessToken).AuthTestContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// cursor carries Slack's own paging cursor plus the oldest-timestamp watermark
// for the next incremental pull.
type cursor struct {
	Next   string `json:"next,omitempty"`
	Oldest string `json:"oldest,omitempty"`
}

func (a *Adapter) FetchRecords(ctx context.Context, session *framework.Session, entity, rawCursor string, filters map[string]string) (framework.FetchPage, error) {
	if entity != "message" {
		return framework.FetchPage{}, errors.Newf(errors.KindFatal, "slack adapter does not sync entity %q", entity)
	}
	channel := filters["channel"]
	if channel == "" {
		return framework.FetchPage{}, errors.Newf(errors.KindValidation, "slack pull filters missing channel")
	}
	cur := cursor{}
	if rawCursor != "" {
		_ = json.Unmarshal([]byte(rawCursor), &cur)
	}

	client := a.newClient(session.Credentials.AccessToken)
	resp, err := client.GetConversationHistoryContext(ctx, &slackapi.GetConversationHistoryParameters{
		ChannelID: channel,
		Cursor:    cur.Next,
		Oldest:    cur.Oldest,
		Limit:     pageSize,
	})
	if err != nil {
		return framework.FetchPage{}, classify(err)
	}

	page := framework.FetchPage{}
	watermark := cur.Oldest
	for _, msg := range resp.Messages {
		raw, _ := json.Marshal(msg)
		page.Records = append(page.Records, framework.Record{
			ExternalID: channel + "/" + msg.Timestamp,
			ModifiedAt: timestampToTime(msg.Timestamp),
			Fields:     raw,
		})
		if msg.Timestamp > watermark {
			watermark = msg.Timestamp
		}
	}
	if resp.HasMore {
		next, _ := json.Marshal(cursor{Next: resp.ResponseMetaData.NextCursor, Oldest: cur.Oldest})
		page.NextCursor = string(next)
	} else {
		page.Done = true
		next, _ := json.Marshal(cursor{Oldest: watermark})
		page.NextCursor = string(next)
	}
	return page, nil
}

func (a *Adapter) CreateRecord(ctx context.Context, session *framework.Session, entity string, fields map[string]interface{}) (string, error) {
	channel, _ := fields["channel"].(string)
	text, _ := fields["text"].(string)
	if channel == "" || text == "" {
		return "", errors.Newf(errors.KindValidation, "slack message requires channel and text")
	}
	_, timestamp, err := a.newClient(session.Credentials.AccessToken).
		PostMessageContext(ctx, channel, slackapi.MsgOptionText(text, false))
	if err != nil {
		return "", classify(err)
	}
	return channel + "/" + timestamp, nil
}

func (a *Adapter) UpdateRecord(ctx context.Context, session *framework.Session, entity, externalID string, fields map[string]interface{}) error {
	channel, timestamp, ok := splitExternalID(externalID)
	if !ok {
		return errors.Newf(errors.KindValidation, "malformed slack external id %q", externalID)
	}
	text, _ := fields["text"].(string)
	_, _, _, err := a.newClient(session.Credentials.AccessToken).
		UpdateMessageContext(ctx, channel, timestamp, slackapi.MsgOptionText(text, false))
	if err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) DeleteRecord(ctx context.Context, session *framework.Session, entity, externalID string) error {
	channel, timestamp, ok := splitExternalID(externalID)
	if !ok {
		return errors.Newf(errors.KindValidation, "malformed slack external id %q", externalID)
	}
	if _, _, err := a.newClient(session.Credentials.AccessToken).DeleteMessageContext(ctx, channel, timestamp); err != nil {
		return classify(err)
	}
	return nil
}

// RegisterWebhook has nothing to create server-side: the Events API
// subscription lives in the Slack app configuration.
func (a *Adapter) RegisterWebhook(_ context.Context, session *framework.Session, entity, callbackURL string) (string, error) {
	return fmt.Sprintf("events-api/%s/%s", session.IntegrationID, entity), nil
}

// eventsEnvelope is the subset of the Events API payload the engine consumes.
type eventsEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	TeamID    string `json:"team_id"`
	EventTime int64  `json:"event_time"`
	Event     struct {
		Type      string `json:"type"`
		Channel   string `json:"channel"`
		Timestamp string `json:"ts"`
		Subtype   string `json:"subtype"`
	} `json:"event"`
}

// VerifyWebhook checks the Slack signing-secret signature and canonicalizes
// the event.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers http.Header) (framework.WebhookEvent, error) {
	verifier, err := slackapi.NewSecretsVerifier(headers, a.provider.WebhookSecret)
	if err != nil {
		return framework.WebhookEvent{}, errors.New(errors.KindSignatureInvalid, err)
	}
	if _, err := verifier.Write(rawBody); err != nil {
		return framework.WebhookEvent{}, errors.New(errors.KindSignatureInvalid, err)
	}
	if err := verifier.Ensure(); err != nil {
		return framework.WebhookEvent{}, errors.New(errors.KindSignatureInvalid, err)
	}
	envelope := eventsEnvelope{}
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return framework.WebhookEvent{}, errors.Newf(errors.KindValidation, "decoding slack event, %v", err)
	}
	return framework.WebhookEvent{
		ExternalAccountID: envelope.TeamID,
		Entity:            "message",
		ExternalID:        envelope.Event.Channel + "/" + envelope.Event.Timestamp,
		ObservedAt:        time.Unix(envelope.EventTime, 0),
		Deleted:           envelope.Event.Subtype == "message_deleted",
		Record:            rawBody,
	}, nil
}

// Refresh is a no-op: Slack bot tokens do not expire unless rotation is
// enabled, in which case reconnection goes through the OAuth flow.
func (a *Adapter) Refresh(_ context.Context, creds core.CredentialPayload) (core.CredentialPayload, error) {
	return creds, nil
}

func classify(err error) error {
	var rateLimited *slackapi.RateLimitedError
	if stderrors.As(err, &rateLimited) {
		return errors.RateLimited(err, rateLimited.RetryAfter)
	}
	msg := err.Error()
	if strings.Contains(msg, "invalid_auth") || strings.Contains(msg, "token_expired") || strings.Contains(msg, "not_authed") {
		return errors.New(errors.KindAuthExpired, err)
	}
	return errors.New(errors.KindRetryable, err)
}

func splitExternalID(externalID string) (channel, timestamp string, ok bool) {
	channel, timestamp, ok = strings.Cut(externalID, "/")
	return channel, timestamp, ok && channel != "" && timestamp != ""
}

func timestampToTime(ts string) time.Time {
	seconds, _, _ := strings.Cut(ts, ".")
	secs, err := strconv.ParseInt(seconds, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}
