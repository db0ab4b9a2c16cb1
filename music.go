package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/sho0pi/naturaltime"
)

// ===========================
// Command Registration
// ===========================

const (
	MsgMusicNotInGuild = "Not in a guild."
	MsgMusicNotInVoice = "You need to be in a voice channel."
	MsgMusicNotPlaying = "Not playing anything."

	queuePageSize = 10
)

var seekParser *naturaltime.Parser

func init() {
	var err error
	seekParser, err = naturaltime.New()
	if err != nil {
		LogFatal("Failed to initialize seek time parser: %v", err)
	}

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music System",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a track, playlist, or search query",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "A URL or song name",
						Required:     true,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "source",
						Description: "Where to search when the query is not a URL",
						Required:    false,
						Choices: []discord.ApplicationCommandOptionChoiceString{
							{Name: "YouTube", Value: "youtube"},
							{Name: "SoundCloud", Value: "soundcloud"},
						},
					},
					discord.ApplicationCommandOptionBool{
						Name:        "now",
						Description: "Skip the queue and play this immediately (default: false)",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "search",
				Description: "Search for tracks without playing",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "query",
						Description: "The song name to search for",
						Required:    true,
					},
					discord.ApplicationCommandOptionString{
						Name:        "source",
						Description: "The provider to search",
						Required:    false,
						Choices: []discord.ApplicationCommandOptionChoiceString{
							{Name: "YouTube", Value: "youtube"},
							{Name: "SoundCloud", Value: "soundcloud"},
						},
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "seek",
				Description: "Jump to a position in the current track",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "position",
						Description: "Target position (e.g. 1:23, 90s, 2 minutes)",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "loop",
				Description: "Set the loop mode",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "mode",
						Description: "What to loop",
						Required:    true,
						Choices: []discord.ApplicationCommandOptionChoiceString{
							{Name: "Off", Value: "off"},
							{Name: "Single Track", Value: "single"},
							{Name: "Whole Queue", Value: "whole"},
						},
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and leave the channel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "nowplaying",
				Description: "Show the current track and position",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "trackinfo",
				Description: "Show metadata for a track URL",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "url",
						Description: "The track URL",
						Required:    true,
					},
				},
			},
		},
	}, handleMusic)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)
	RegisterComponentHandler("queue:", handleQueuePage)
}

func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleMusicPlay(event, data)
	case "search":
		handleMusicSearch(event, data)
	case "skip":
		handleMusicSkip(event)
	case "pause":
		handleMusicPause(event)
	case "resume":
		handleMusicResume(event)
	case "seek":
		handleMusicSeek(event, data)
	case "loop":
		handleMusicLoop(event, data)
	case "stop":
		handleMusicStop(event)
	case "queue":
		handleMusicQueue(event)
	case "nowplaying":
		handleMusicNowPlaying(event)
	case "trackinfo":
		handleMusicTrackInfo(event, data)
	}
}

func searchHintFromOption(data discord.SlashCommandInteractionData) Provider {
	if source, ok := data.OptString("source"); ok && source == "soundcloud" {
		return ProviderSoundCloud
	}
	return ProviderYouTube
}

// ===========================
// Play & Search
// ===========================

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query := data.String("query")
	playNow, _ := data.OptBool("now")
	LogMusic("User %s (%s) requested playback: %s", event.User().Username, event.User().ID, query)

	guildID := event.GuildID()
	if guildID == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNotInGuild, true)
		return
	}
	vs, ok := event.Client().Caches.VoiceState(*guildID, event.User().ID)
	if !ok || vs.ChannelID == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNotInVoice, true)
		return
	}

	_ = event.DeferCreateMessage(false)

	ctx, cancel := context.WithTimeout(AppContext, 30*time.Second)
	defer cancel()

	entries, pos, err := GetMusicSystem().Play(ctx, *event.Client(), PlayRequest{
		GuildID:        *guildID,
		VoiceChannelID: *vs.ChannelID,
		RequesterID:    event.User().ID,
		Query:          query,
		SearchHint:     searchHintFromOption(data),
		PlayNow:        playNow,
	})
	if err != nil {
		_ = EditInteractionV2(*event.Client(), event, "Failed: "+err.Error())
		return
	}

	first := entries[0]
	var components []interface{}
	switch {
	case len(entries) > 1:
		components = append(components, NewTextDisplay(fmt.Sprintf("**Queued %d tracks.**", len(entries))))
		components = append(components, NewTextDisplay(fmt.Sprintf("First up: [%s](%s)", firstLabel(first), first.URL)))
	case pos > 0:
		components = append(components, NewTextDisplay(fmt.Sprintf("**Queued at position %d:** [%s](%s)", pos, firstLabel(first), first.URL)))
	default:
		components = append(components, NewTextDisplay(fmt.Sprintf("**Now playing:** [%s](%s)", firstLabel(first), first.URL)))
	}
	if first.Author != "" && first.Author != "NA" {
		components = append(components, NewTextDisplay("-# "+first.Author))
	}
	if first.ThumbnailURL != "" {
		components = append(components, NewMediaGallery(first.ThumbnailURL))
	}
	_ = EditInteractionContainerV2(*event.Client(), event, NewV2Container(components...))
}

func firstLabel(e *QueueEntry) string {
	if e.Title != "" {
		return e.Title
	}
	return e.URL
}

func handleMusicSearch(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query := data.String("query")
	hint := searchHintFromOption(data)

	_ = event.DeferCreateMessage(true)

	ctx, cancel := context.WithTimeout(AppContext, 10*time.Second)
	defer cancel()

	results, err := GetMusicSystem().Search(ctx, hint, query, 10)
	if err != nil || len(results) == 0 {
		_ = EditInteractionV2(*event.Client(), event, "No results found.")
		return
	}

	var list strings.Builder
	list.WriteString(fmt.Sprintf("**Results for** `%s`:\n", Truncate(query, 80)))
	for i, r := range results {
		line := fmt.Sprintf("`%d.` [%s](%s)", i+1, Truncate(r.Title, 80), r.URL)
		if r.Author != "" {
			line += " · " + Truncate(r.Author, 40)
		}
		if r.Duration > 0 {
			line += fmt.Sprintf(" `[%s]`", FormatTimestamp(r.Duration))
		}
		list.WriteString(line + "\n")
	}
	_ = EditInteractionContainerV2(*event.Client(), event, NewV2Container(NewTextDisplay(list.String())))
}

// ===========================
// Playback Control
// ===========================

func sessionFor(event *events.ApplicationCommandInteractionCreate) *MusicSession {
	guildID := event.GuildID()
	if guildID == nil {
		return nil
	}
	return GetMusicSystem().GetSession(*guildID)
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(false)

	s := sessionFor(event)
	if s == nil {
		_ = EditInteractionV2(*event.Client(), event, MsgMusicNotPlaying)
		return
	}

	start := time.Now()
	LogMusic("Attempting to skip track in guild %s...", s.GuildID)
	title, err := s.Skip()
	if err != nil {
		LogMusic("Skip failed after %v: %v", time.Since(start), err)
		_ = EditInteractionV2(*event.Client(), event, fmt.Sprintf("Failed to skip: %v", err))
		return
	}
	LogMusic("Skip success after %v: %s", time.Since(start), title)
	_ = EditInteractionV2(*event.Client(), event, "⏭️ Skipped: "+title)
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	s := sessionFor(event)
	if s == nil || s.Current() == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNotPlaying, true)
		return
	}
	if !s.Pause() {
		_ = RespondInteractionV2(*event.Client(), event, "Already paused.", true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, "⏸️ Paused.", false)
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	s := sessionFor(event)
	if s == nil || s.Current() == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNotPlaying, true)
		return
	}
	if !s.Resume() {
		_ = RespondInteractionV2(*event.Client(), event, "Not paused.", true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, "▶️ Resumed.", false)
}

func handleMusicSeek(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	position := data.String("position")

	target, err := parseSeekPosition(position)
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, "Could not understand that position (try 1:23, 90s, or 2 minutes).", true)
		return
	}

	s := sessionFor(event)
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNotPlaying, true)
		return
	}
	if err := s.Seek(target); err != nil {
		_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf("Seek failed: %v", err), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, "⏩ Jumped to "+FormatTimestamp(target), false)
}

// parseSeekPosition accepts colon timestamps, Go durations, and natural
// language offsets.
func parseSeekPosition(input string) (time.Duration, error) {
	if d, err := ParseTimestamp(input); err == nil {
		return d, nil
	}
	if d, err := time.ParseDuration(input); err == nil {
		return d, nil
	}
	now := time.Now()
	parsed, err := seekParser.ParseDate(input, now)
	if err != nil || parsed == nil {
		return 0, errors.New("unrecognized position")
	}
	d := parsed.Sub(now)
	if d < 0 {
		return 0, errors.New("position must be positive")
	}
	return d, nil
}

func handleMusicLoop(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	s := sessionFor(event)
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNotPlaying, true)
		return
	}

	var mode LoopMode
	switch data.String("mode") {
	case "single":
		mode = LoopSingle
	case "whole":
		mode = LoopWhole
	default:
		mode = LoopOff
	}
	s.SetLoop(mode)

	var msg string
	switch mode {
	case LoopSingle:
		msg = "🔂 Looping the current track."
	case LoopWhole:
		msg = "🔁 Looping the whole queue."
	default:
		msg = "Loop disabled."
	}
	LogMusic("User %s set loop mode %s in guild %s", event.User().ID, mode, s.GuildID)
	_ = RespondInteractionV2(*event.Client(), event, msg, false)
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	guildID := event.GuildID()
	if guildID == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNotInGuild, true)
		return
	}
	LogMusic("User %s (%s) stopped playback in guild %s", event.User().Username, event.User().ID, *guildID)
	GetMusicSystem().Leave(context.Background(), *guildID)
	_ = RespondInteractionV2(*event.Client(), event, "🛑 Stopped and disconnected.", false)
}

// ===========================
// Queue Display
// ===========================

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(true)

	s := sessionFor(event)
	if s == nil {
		_ = EditInteractionV2(*event.Client(), event, MsgMusicNotPlaying)
		return
	}
	_ = EditInteractionComponentsV2(*event.Client(), event, renderQueuePage(s, 0, event.User().ID.String()))
}

func handleQueuePage(event *events.ComponentInteractionCreate) {
	parts := strings.Split(event.Data.CustomID(), ":")
	if len(parts) != 3 {
		return
	}
	page, owner := Atoi(parts[1]), parts[2]
	if event.User().ID.String() != owner {
		return
	}

	guildID := event.GuildID()
	if guildID == nil {
		return
	}
	s := GetMusicSystem().GetSession(*guildID)
	if s == nil {
		_ = UpdateInteractionComponentsV2(*event.Client(), event, []any{NewV2Container(NewTextDisplay(MsgMusicNotPlaying))})
		return
	}
	_ = UpdateInteractionComponentsV2(*event.Client(), event, renderQueuePage(s, page, owner))
}

func renderQueuePage(s *MusicSession, page int, owner string) []any {
	current, pending := s.Queue()
	loopMode := s.LoopMode()

	var components []interface{}

	if current != nil {
		components = append(components, NewTextDisplay("**Now Playing:**"))
		line := fmt.Sprintf("[%s](%s)", firstLabel(current), current.URL)
		if current.Author != "" && current.Author != "NA" {
			line += " · " + current.Author
		}
		components = append(components, NewTextDisplay(line))
		if current.ThumbnailURL != "" {
			components = append(components, NewMediaGallery(current.ThumbnailURL))
		}
		components = append(components, NewSeparator(true))
	}

	totalPages := (len(pending) + queuePageSize - 1) / queuePageSize
	if page >= totalPages {
		page = Max(0, totalPages-1)
	}

	components = append(components, NewTextDisplay("**Queue:**"))
	if len(pending) == 0 {
		components = append(components, NewTextDisplay("_Empty_"))
	} else {
		var list strings.Builder
		start := page * queuePageSize
		end := Min(start+queuePageSize, len(pending))
		for i := start; i < end; i++ {
			e := pending[i]
			list.WriteString(fmt.Sprintf("`%d.` [%s](%s)", i+1, Truncate(firstLabel(e), 80), e.URL))
			if e.Duration > 0 {
				list.WriteString(fmt.Sprintf(" `[%s]`", FormatTimestamp(e.Duration)))
			}
			list.WriteString("\n")
		}
		components = append(components, NewTextDisplay(list.String()))
		if totalPages > 1 {
			components = append(components, NewTextDisplay(fmt.Sprintf("-# Page %d/%d", page+1, totalPages)))
		}
	}

	if loopMode != LoopOff {
		components = append(components, NewSeparator(false))
		components = append(components, NewTextDisplay("**Loop:** "+loopMode.String()))
	}

	result := []any{NewV2Container(components...)}
	if totalPages > 1 {
		prev := Max(0, page-1)
		next := Min(totalPages-1, page+1)
		nav := discord.NewActionRow(
			discord.NewSecondaryButton("◀", fmt.Sprintf("queue:%d:%s", prev, owner)).WithDisabled(page == 0),
			discord.NewSecondaryButton("▶", fmt.Sprintf("queue:%d:%s", next, owner)).WithDisabled(page >= totalPages-1),
		)
		result = append(result, nav)
	}
	return result
}

// ===========================
// Track Info
// ===========================

func handleMusicNowPlaying(event *events.ApplicationCommandInteractionCreate) {
	s := sessionFor(event)
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNotPlaying, true)
		return
	}
	current := s.Current()
	if current == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNotPlaying, true)
		return
	}

	var components []interface{}
	line := fmt.Sprintf("**Now Playing:** [%s](%s)", firstLabel(current), current.URL)
	components = append(components, NewTextDisplay(line))

	if current.Live {
		components = append(components, NewTextDisplay("🔴 Live · "+FormatTimestamp(s.Clock.Elapsed())))
	} else if current.Duration > 0 {
		components = append(components, NewTextDisplay(fmt.Sprintf("`%s / %s`", FormatTimestamp(s.Clock.Elapsed()), FormatTimestamp(current.Duration))))
	} else {
		components = append(components, NewTextDisplay("`"+FormatTimestamp(s.Clock.Elapsed())+"`"))
	}

	var flags []string
	if s.Paused() {
		flags = append(flags, "⏸️ Paused")
	}
	switch s.LoopMode() {
	case LoopSingle:
		flags = append(flags, "🔂 Loop: track")
	case LoopWhole:
		flags = append(flags, "🔁 Loop: queue")
	}
	if len(flags) > 0 {
		components = append(components, NewTextDisplay(strings.Join(flags, " · ")))
	}
	if current.RequesterID != 0 {
		components = append(components, NewTextDisplay(fmt.Sprintf("-# Requested by <@%s>", current.RequesterID)))
	}
	if current.ThumbnailURL != "" {
		components = append(components, NewMediaGallery(current.ThumbnailURL))
	}
	_ = RespondInteractionContainerV2(*event.Client(), event, NewV2Container(components...), false)
}

func handleMusicTrackInfo(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	u := data.String("url")
	_ = event.DeferCreateMessage(true)

	ms := GetMusicSystem()
	c := ms.Classifier().Classify(u, ProviderNone)
	if c.Search || c.Provider == ProviderNone {
		_ = EditInteractionV2(*event.Client(), event, "That does not look like a supported URL.")
		return
	}

	ctx, cancel := context.WithTimeout(AppContext, 15*time.Second)
	defer cancel()

	var meta *TrackMetadata
	var err error
	if c.Provider == ProviderSpotify {
		query, qerr := ms.Resolvers().Spotify.TrackQuery(ctx, c.URL)
		if qerr != nil {
			_ = EditInteractionV2(*event.Client(), event, "Failed: "+qerr.Error())
			return
		}
		meta = &TrackMetadata{URL: c.URL, Title: query, Author: "Spotify (plays via YouTube)"}
	} else {
		var resolver Resolver
		resolver, err = ms.Resolvers().For(c.Provider)
		if err == nil {
			meta, err = resolver.BasicInfo(ctx, c.URL)
		}
		if err != nil || meta == nil {
			_ = EditInteractionV2(*event.Client(), event, ErrContentUnknown)
			return
		}
	}

	var components []interface{}
	components = append(components, NewTextDisplay(fmt.Sprintf("**[%s](%s)**", meta.Title, meta.URL)))
	if meta.Author != "" && meta.Author != "NA" {
		components = append(components, NewTextDisplay(meta.Author))
	}
	details := []string{"Source: " + c.Provider.String()}
	if meta.Live {
		details = append(details, "🔴 Live")
	} else if meta.Duration > 0 {
		details = append(details, "Duration: "+FormatTimestamp(meta.Duration))
	}
	components = append(components, NewTextDisplay("-# "+strings.Join(details, " · ")))
	if meta.ThumbnailURL != "" {
		components = append(components, NewMediaGallery(meta.ThumbnailURL))
	}
	_ = EditInteractionContainerV2(*event.Client(), event, NewV2Container(components...))
}

// ===========================
// Autocomplete
// ===========================

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := f.String()
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	results, err := GetMusicSystem().Search(ctx, ProviderYouTube, q, 25)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}
	var cs []discord.AutocompleteChoice
	for i, r := range results {
		if i >= 25 {
			break
		}
		n := r.Title
		if len(n) > 100 {
			n = n[:97] + "..."
		}
		v := r.URL
		if len(v) > 100 {
			v = r.Title
			if len(v) > 100 {
				v = v[:100]
			}
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}
