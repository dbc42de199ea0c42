package discord

import (
	"encoding/json"

	"github.com/bwmarrin/discordgo"

	"github.com/perihelia/guildvault/pkg/model"
)

// parseID converts a Discord id string, yielding zero for anything the API
// should never send.
func parseID(s string) model.Snowflake {
	id, err := model.ParseSnowflake(s)
	if err != nil {
		return 0
	}
	return id
}

func guildFromDiscord(g *discordgo.Guild) *model.Guild {
	members := g.ApproximateMemberCount
	if members == 0 {
		members = g.MemberCount
	}
	return &model.Guild{
		ID:          parseID(g.ID),
		Name:        g.Name,
		OwnerID:     parseID(g.OwnerID),
		MemberCount: members,
	}
}

func kindFromType(t discordgo.ChannelType) model.ChannelKind {
	switch t {
	case discordgo.ChannelTypeGuildVoice:
		return model.ChannelVoice
	case discordgo.ChannelTypeGuildCategory:
		return model.ChannelCategory
	case discordgo.ChannelTypeGuildNews:
		return model.ChannelAnnouncement
	case discordgo.ChannelTypeGuildNewsThread, discordgo.ChannelTypeGuildPublicThread:
		return model.ChannelPublicThread
	case discordgo.ChannelTypeGuildPrivateThread:
		return model.ChannelPrivateThread
	case discordgo.ChannelTypeGuildStageVoice:
		return model.ChannelStageVoice
	case discordgo.ChannelTypeGuildForum, discordgo.ChannelTypeGuildMedia:
		return model.ChannelForum
	default:
		return model.ChannelText
	}
}

func channelFromDiscord(ch *discordgo.Channel) *model.Channel {
	out := &model.Channel{
		ID:       parseID(ch.ID),
		GuildID:  parseID(ch.GuildID),
		Name:     ch.Name,
		Kind:     kindFromType(ch.Type),
		Topic:    ch.Topic,
		Position: ch.Position,
	}
	if id := parseID(ch.ParentID); !id.IsZero() {
		out.ParentID = &id
	}
	if id := parseID(ch.LastMessageID); !id.IsZero() {
		out.LastMessageID = &id
	}
	return out
}

func userFromDiscord(u *discordgo.User) model.User {
	display := u.GlobalName
	if display == "" {
		display = u.Username
	}
	return model.User{
		ID:            parseID(u.ID),
		Username:      u.Username,
		Discriminator: u.Discriminator,
		DisplayName:   display,
		AvatarURL:     u.AvatarURL("256"),
		Bot:           u.Bot,
	}
}

func messageFromDiscord(channelID model.Snowflake, m *discordgo.Message) FetchedMessage {
	msg := model.Message{
		ID:              parseID(m.ID),
		ChannelID:       channelID,
		Content:         m.Content,
		CleanContent:    m.ContentWithMentionsReplaced(),
		SentAt:          m.Timestamp.UnixMilli(),
		Pinned:          m.Pinned,
		TTS:             m.TTS,
		MentionEveryone: m.MentionEveryone,
		Embeds:          embedsJSON(m.Embeds),
	}
	if m.EditedTimestamp != nil {
		edited := m.EditedTimestamp.UnixMilli()
		msg.EditedAt = &edited
	}
	if m.MessageReference != nil {
		if ref := parseID(m.MessageReference.MessageID); !ref.IsZero() {
			msg.ReferenceID = &ref
		}
	}

	fetched := FetchedMessage{Message: msg}
	if m.Author != nil {
		fetched.Author = userFromDiscord(m.Author)
		fetched.Message.AuthorID = fetched.Author.ID
	}

	for _, a := range m.Attachments {
		att := model.Attachment{
			ID:          parseID(a.ID),
			MessageID:   msg.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        int64(a.Size),
			RemoteURL:   a.URL,
			ProxyURL:    a.ProxyURL,
		}
		if a.Width > 0 {
			w := a.Width
			att.Width = &w
		}
		if a.Height > 0 {
			h := a.Height
			att.Height = &h
		}
		fetched.Attachments = append(fetched.Attachments, att)
	}

	for _, r := range m.Reactions {
		if r.Emoji == nil {
			continue
		}
		fetched.Reactions = append(fetched.Reactions, model.Reaction{
			MessageID:     msg.ID,
			EmojiID:       parseID(r.Emoji.ID),
			EmojiName:     r.Emoji.Name,
			EmojiAnimated: r.Emoji.Animated,
			Count:         r.Count,
		})
	}

	return fetched
}

func embedsJSON(embeds []*discordgo.MessageEmbed) string {
	if len(embeds) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(embeds)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
