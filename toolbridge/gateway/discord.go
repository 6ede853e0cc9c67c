package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/toolbridge/toolbridge/orchestrator"
)

// Discord connects the gateway to Discord. Inbound messages become queued
// turns; outbound delivery goes through ChannelMessageSend.
type Discord struct {
	session *discordgo.Session
	gw      *Gateway
	status  StatusSource
	prefix  string
	log     zerolog.Logger
}

func NewDiscord(token, prefix string, status StatusSource, logger zerolog.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	d := &Discord{
		session: session,
		status:  status,
		prefix:  prefix,
		log:     logger.With().Str("component", "discord").Logger(),
	}
	session.AddHandler(d.onMessageCreate)
	return d, nil
}

// Bind attaches the gateway that inbound messages are dispatched to. Must be
// called before Open.
func (d *Discord) Bind(gw *Gateway) { d.gw = gw }

// Open starts the websocket connection.
func (d *Discord) Open() error {
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord connection: %w", err)
	}
	d.log.Info().Msg("discord connection established")
	return nil
}

func (d *Discord) Close() error {
	return d.session.Close()
}

// Send implements Connector.
func (d *Discord) Send(ctx context.Context, channelID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.session.ChannelMessageSend(channelID, text)
	return err
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Never react to ourselves or other bots.
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	content := strings.TrimSpace(m.Content)

	switch {
	case content == d.prefix+"tools":
		d.gw.Deliver(m.ChannelID, FormatStatus(d.status.Describe()))
		return

	case strings.HasPrefix(content, d.prefix+"chat"):
		text := strings.TrimSpace(strings.TrimPrefix(content, d.prefix+"chat"))
		if text == "" {
			d.gw.Deliver(m.ChannelID, "Usage: "+d.prefix+"chat <message>")
			return
		}
		d.dispatch(m, text)
		return

	case m.GuildID == "":
		// Direct messages need no command prefix.
		if content == "" {
			return
		}
		d.dispatch(m, content)
	}
}

func (d *Discord) dispatch(m *discordgo.MessageCreate, text string) {
	ok := d.gw.Enqueue(orchestrator.Request{
		ChannelID: m.ChannelID,
		User:      m.Author.Username,
		Text:      text,
	})
	if !ok {
		d.log.Warn().Str("channel", m.ChannelID).Msg("message dropped, gateway is shutting down")
	}
}

var _ Connector = (*Discord)(nil)
