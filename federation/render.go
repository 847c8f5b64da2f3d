// Package federation renders and delivers the ActivityPub activities
// the chat service emits for remote participants. It covers only the
// chat surface; note federation lives upstream of this daemon.
package federation

import (
	"strings"

	"github.com/mikoto-social/mikoto/models"
	"github.com/mikoto-social/mikoto/util"
)

const activityContext = "https://www.w3.org/ns/activitystreams"

// Renderer builds JSON-LD activity documents rooted at this
// instance's base URL.
type Renderer struct {
	BaseURL string
}

func NewRenderer(baseURL string) *Renderer {
	return &Renderer{BaseURL: strings.TrimRight(baseURL, "/")}
}

// ActorURI returns the canonical actor id: remote actors keep the URI
// they were discovered under, local ones live under this instance.
func (r *Renderer) ActorURI(u *models.User) string {
	if u.IsRemote() && u.URI != nil {
		return *u.URI
	}
	return r.BaseURL + "/users/" + u.ID
}

func (r *Renderer) MessageURI(m *models.MessagingMessage) string {
	if m.URI != nil {
		return *m.URI
	}
	return r.BaseURL + "/notes/" + m.ID
}

func (r *Renderer) activityID() string {
	return r.BaseURL + "/activities/" + util.NewAid()
}

// RenderMessage renders a chat message as a direct Note object
// addressed to exactly the recipient.
func (r *Renderer) RenderMessage(m *models.MessagingMessage, author, recipient *models.User) map[string]any {
	obj := map[string]any{
		"id":           r.MessageURI(m),
		"type":         "Note",
		"attributedTo": r.ActorURI(author),
		"published":    m.CreatedAt.UTC().Format(util.ISO8601),
		"to":           []string{r.ActorURI(recipient)},
	}
	if m.Text != nil {
		obj["content"] = *m.Text
	}
	return obj
}

func (r *Renderer) RenderCreate(actor *models.User, object map[string]any) map[string]any {
	act := map[string]any{
		"@context": activityContext,
		"id":       r.activityID(),
		"type":     "Create",
		"actor":    r.ActorURI(actor),
		"object":   object,
	}
	if to, ok := object["to"]; ok {
		act["to"] = to
	}
	return act
}

// RenderRead is the read-receipt activity for a remote sender's
// message.
func (r *Renderer) RenderRead(actor *models.User, objectURI string) map[string]any {
	return map[string]any{
		"@context": activityContext,
		"id":       r.activityID(),
		"type":     "Read",
		"actor":    r.ActorURI(actor),
		"object":   objectURI,
	}
}

// RenderDelete wraps the deleted object in a Tombstone.
func (r *Renderer) RenderDelete(actor *models.User, objectURI string) map[string]any {
	return map[string]any{
		"@context": activityContext,
		"id":       r.activityID(),
		"type":     "Delete",
		"actor":    r.ActorURI(actor),
		"object": map[string]any{
			"id":   objectURI,
			"type": "Tombstone",
		},
	}
}
