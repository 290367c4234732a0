package notification

import (
	"fmt"
	"unicode/utf8"

	"github.com/kapu/nominator-track-go/internal/constants"
	"github.com/kapu/nominator-track-go/internal/domain"
)

type EmbedImage struct {
	URL string `json:"url"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

// Embed mirrors the Discord webhook embed object.
type Embed struct {
	Title       string       `json:"title"`
	Color       int          `json:"color"`
	URL         string       `json:"url"`
	Description string       `json:"description"`
	Thumbnail   *EmbedImage  `json:"thumbnail,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

type WebhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds"`
}

// RenderEmbed turns a change event into an embed. A description that would
// exceed the embed budget, fence included, is replaced by a link to the profile page.
func RenderEmbed(event *domain.ChangeEvent, siteURL string) Embed {
	profileURL := event.Member.ProfileURL(siteURL)
	diffText := event.DiffText()

	description := "```diff\n" + diffText + "```"
	if utf8.RuneCountInString(description) > constants.WebhookConfig.MaxDescriptionLength {
		description = fmt.Sprintf("Difference too big. [You can look it yourself](%s).", profileURL)
	}

	return Embed{
		Title:       constants.WebhookConfig.EmbedTitle,
		Color:       constants.WebhookConfig.EmbedColor,
		URL:         profileURL,
		Description: description,
		Thumbnail:   &EmbedImage{URL: event.Member.AvatarURL()},
		Footer: &EmbedFooter{
			Text: fmt.Sprintf("%s | %s", event.Member.Username, event.Member.Position()),
		},
	}
}
