package telegram

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"ex-tally/pkg/otogi"

	"github.com/gotd/td/tg"
)

const gotdUnknownID = "unknown"

// DefaultGotdUpdateMapper turns gotd message updates into Updates.
type DefaultGotdUpdateMapper struct {
	peerCache *PeerCache
}

// GotdUpdateMapperOption configures a DefaultGotdUpdateMapper.
type GotdUpdateMapperOption func(*DefaultGotdUpdateMapper)

// WithPeerCache makes the mapper record every peer it sees, so replies can be
// addressed later.
func WithPeerCache(cache *PeerCache) GotdUpdateMapperOption {
	return func(mapper *DefaultGotdUpdateMapper) {
		if cache != nil {
			mapper.peerCache = cache
		}
	}
}

func NewDefaultGotdUpdateMapper(options ...GotdUpdateMapperOption) DefaultGotdUpdateMapper {
	var mapper DefaultGotdUpdateMapper
	for _, option := range options {
		option(&mapper)
	}

	return mapper
}

// Map accepts gotd envelopes and bare tg.UpdateClass values. Only regular
// messages that were created or edited are accepted.
func (m DefaultGotdUpdateMapper) Map(ctx context.Context, raw any) (Update, bool, error) {
	if err := ctx.Err(); err != nil {
		return Update{}, false, fmt.Errorf("map gotd update: %w", err)
	}

	envelope, err := asGotdEnvelope(raw)
	if err != nil {
		return Update{}, false, fmt.Errorf("map gotd update: %w", err)
	}
	if m.peerCache != nil {
		m.peerCache.RememberEnvelope(envelope)
	}

	updateType, rawMessage, ok := messageOf(envelope.update)
	if !ok {
		return Update{}, false, nil
	}
	message, ok := rawMessage.(*tg.Message)
	if !ok {
		return Update{}, false, nil
	}

	update := m.project(message, updateType, envelope)
	return update, true, nil
}

func asGotdEnvelope(raw any) (gotdUpdateEnvelope, error) {
	switch typed := raw.(type) {
	case gotdUpdateEnvelope:
		return typed, nil
	case *gotdUpdateEnvelope:
		if typed == nil {
			return gotdUpdateEnvelope{}, errors.New("nil envelope")
		}
		return *typed, nil
	case tg.UpdateClass:
		if typed == nil {
			return gotdUpdateEnvelope{}, errors.New("nil update")
		}
		return gotdUpdateEnvelope{update: typed, occurredAt: time.Now().UTC(), updateClass: typed.TypeName()}, nil
	default:
		return gotdUpdateEnvelope{}, fmt.Errorf("unsupported raw type %T", raw)
	}
}

func messageOf(update tg.UpdateClass) (UpdateType, tg.MessageClass, bool) {
	switch typed := update.(type) {
	case *tg.UpdateNewMessage:
		return UpdateTypeMessage, typed.Message, true
	case *tg.UpdateNewChannelMessage:
		return UpdateTypeMessage, typed.Message, true
	case *tg.UpdateEditMessage:
		return UpdateTypeEdit, typed.Message, true
	case *tg.UpdateEditChannelMessage:
		return UpdateTypeEdit, typed.Message, true
	default:
		return "", nil, false
	}
}

func (m DefaultGotdUpdateMapper) project(
	message *tg.Message,
	updateType UpdateType,
	envelope gotdUpdateEnvelope,
) Update {
	dir := envelope.directory()
	chat := dir.conversation(message.PeerID)
	actor := dir.author(message.FromID)
	if actor.ID == gotdUnknownID {
		actor = dir.author(message.PeerID)
	}
	if m.peerCache != nil {
		m.peerCache.RememberConversation(chat, dir.inputPeer(message.PeerID))
	}

	payload := &MessagePayload{
		ID:       strconv.Itoa(message.ID),
		Text:     message.Message,
		Entities: mapTextEntities(message.Message, message.Entities),
		Embed:    mapEmbed(message.Media),
	}
	if header, ok := message.ReplyTo.(*tg.MessageReplyHeader); ok {
		if replyID, ok := header.GetReplyToMsgID(); ok {
			payload.ReplyToID = strconv.Itoa(replyID)
		}
	}

	id := "tg:" + string(updateType) + ":" + chat.ID + ":" + payload.ID
	occurredAt := intToTimeUTC(message.Date)
	if editDate, edited := message.GetEditDate(); edited && updateType == UpdateTypeEdit {
		id += ":" + strconv.Itoa(editDate)
		occurredAt = intToTimeUTC(editDate)
	}
	if occurredAt.IsZero() {
		occurredAt = envelope.occurredAt
	}

	update := Update{
		ID:         id,
		Type:       updateType,
		OccurredAt: occurredAt,
		Chat:       chat,
		Actor:      actor,
		Message:    payload,
	}
	if envelope.updateClass != "" {
		update.Metadata = map[string]string{"gotd_update": envelope.updateClass}
	}

	return update
}

// gotdUpdateEnvelope is one update plus the users and chats gotd delivered
// alongside it.
type gotdUpdateEnvelope struct {
	update      tg.UpdateClass
	occurredAt  time.Time
	usersByID   map[int64]*tg.User
	chatsByID   map[int64]gotdChatInfo
	updateClass string
}

func (e gotdUpdateEnvelope) directory() gotdDirectory {
	return gotdDirectory{users: e.usersByID, chats: e.chatsByID}
}

type gotdChatInfo struct {
	title     string
	kind      otogi.ConversationType
	inputPeer tg.InputPeerClass
}

func indexGotdUsers(users []tg.UserClass) map[int64]*tg.User {
	index := make(map[int64]*tg.User, len(users))
	for _, user := range users {
		if user == nil {
			continue
		}
		if full, ok := user.AsNotEmpty(); ok && full != nil {
			index[full.ID] = full
		}
	}

	return index
}

func indexGotdChats(chats []tg.ChatClass) map[int64]gotdChatInfo {
	index := make(map[int64]gotdChatInfo, len(chats))
	for _, chat := range chats {
		switch typed := chat.(type) {
		case *tg.Chat:
			index[typed.ID] = gotdChatInfo{typed.Title, otogi.ConversationTypeGroup, typed.AsInputPeer()}
		case *tg.ChatForbidden:
			index[typed.ID] = gotdChatInfo{typed.Title, otogi.ConversationTypeGroup, &tg.InputPeerChat{ChatID: typed.ID}}
		case *tg.Channel:
			index[typed.ID] = gotdChatInfo{typed.Title, channelKind(typed.Megagroup), typed.AsInputPeer()}
		case *tg.ChannelForbidden:
			index[typed.ID] = gotdChatInfo{
				typed.Title,
				channelKind(typed.Megagroup),
				&tg.InputPeerChannel{ChannelID: typed.ID, AccessHash: typed.AccessHash},
			}
		}
	}

	return index
}

// Supergroups are channels to the API but groups to everyone else.
func channelKind(megagroup bool) otogi.ConversationType {
	if megagroup {
		return otogi.ConversationTypeGroup
	}

	return otogi.ConversationTypeChannel
}

// gotdDirectory resolves peers against the users and chats known for one
// update or history page.
type gotdDirectory struct {
	users map[int64]*tg.User
	chats map[int64]gotdChatInfo
}

func (d gotdDirectory) conversation(peer tg.PeerClass) ChatRef {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		user := d.user(typed.UserID)
		return ChatRef{ID: user.ID, Type: otogi.ConversationTypePrivate, Title: user.DisplayName}
	case *tg.PeerChat:
		return d.chat(typed.ChatID, otogi.ConversationTypeGroup)
	case *tg.PeerChannel:
		return d.chat(typed.ChannelID, otogi.ConversationTypeChannel)
	default:
		return ChatRef{ID: gotdUnknownID, Type: otogi.ConversationTypePrivate}
	}
}

func (d gotdDirectory) chat(id int64, kind otogi.ConversationType) ChatRef {
	ref := ChatRef{ID: strconv.FormatInt(id, 10), Type: kind}
	if info, ok := d.chats[id]; ok {
		ref.Title = info.title
		ref.Type = info.kind
	}

	return ref
}

// author names whoever a peer points at. Chats and channels post as themselves.
func (d gotdDirectory) author(peer tg.PeerClass) ActorRef {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		return d.user(typed.UserID)
	case *tg.PeerChat:
		return ActorRef{ID: strconv.FormatInt(typed.ChatID, 10), DisplayName: d.chats[typed.ChatID].title}
	case *tg.PeerChannel:
		return ActorRef{ID: strconv.FormatInt(typed.ChannelID, 10), DisplayName: d.chats[typed.ChannelID].title}
	default:
		return ActorRef{ID: gotdUnknownID}
	}
}

func (d gotdDirectory) user(id int64) ActorRef {
	if id == 0 {
		return ActorRef{ID: gotdUnknownID}
	}

	ref := ActorRef{ID: strconv.FormatInt(id, 10)}
	user, ok := d.users[id]
	if !ok || user == nil {
		return ref
	}

	ref.Username, _ = user.GetUsername()
	ref.IsBot = user.Bot
	firstName, _ := user.GetFirstName()
	lastName, _ := user.GetLastName()
	ref.DisplayName = cmp.Or(strings.TrimSpace(firstName+" "+lastName), ref.Username, ref.ID)

	return ref
}

func (d gotdDirectory) inputPeer(peer tg.PeerClass) tg.InputPeerClass {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		if user := d.users[typed.UserID]; user != nil {
			return user.AsInputPeer()
		}
	case *tg.PeerChat:
		if typed.ChatID != 0 {
			return &tg.InputPeerChat{ChatID: typed.ChatID}
		}
	case *tg.PeerChannel:
		if info, ok := d.chats[typed.ChannelID]; ok && info.inputPeer != nil {
			return cloneInputPeer(info.inputPeer)
		}
	}

	return nil
}

// mapEmbed reads the link preview. Webhook-fed log channels often carry the
// whole purchase line there and leave the text empty.
func mapEmbed(media tg.MessageMediaClass) *EmbedPayload {
	preview, ok := media.(*tg.MessageMediaWebPage)
	if !ok {
		return nil
	}
	page, ok := preview.Webpage.(*tg.WebPage)
	if !ok {
		return nil
	}

	embed := &EmbedPayload{URL: page.URL}
	embed.Title, _ = page.GetTitle()
	embed.Description, _ = page.GetDescription()
	if embed.Title == "" && embed.Description == "" {
		return nil
	}

	return embed
}

func inboundEntityType(entity tg.MessageEntityClass) (otogi.TextEntityType, bool) {
	switch entity.(type) {
	case *tg.MessageEntityBold:
		return otogi.TextEntityTypeBold, true
	case *tg.MessageEntityItalic:
		return otogi.TextEntityTypeItalic, true
	case *tg.MessageEntityCode:
		return otogi.TextEntityTypeCode, true
	default:
		return "", false
	}
}

// mapTextEntities keeps the entity kinds otogi models and converts their
// UTF-16 ranges to rune ranges. Ranges that split a rune or overrun the text
// are dropped.
func mapTextEntities(text string, entities []tg.MessageEntityClass) []otogi.TextEntity {
	if len(entities) == 0 {
		return nil
	}

	// runeAt maps a UTF-16 boundary to its rune index; -1 marks the middle of
	// a surrogate pair.
	runeAt := make([]int, 0, len(text)+1)
	runes := 0
	for _, r := range text {
		runeAt = append(runeAt, runes)
		for range max(utf16.RuneLen(r), 1) - 1 {
			runeAt = append(runeAt, -1)
		}
		runes++
	}
	runeAt = append(runeAt, runes)

	var out []otogi.TextEntity
	for _, entity := range entities {
		kind, ok := inboundEntityType(entity)
		start, end := entity.GetOffset(), entity.GetOffset()+entity.GetLength()
		if !ok || start < 0 || end <= start || end >= len(runeAt) || runeAt[start] < 0 || runeAt[end] < 0 {
			continue
		}
		out = append(out, otogi.TextEntity{Type: kind, Offset: runeAt[start], Length: runeAt[end] - runeAt[start]})
	}

	return out
}

func intToTimeUTC(unix int) time.Time {
	if unix <= 0 {
		return time.Time{}
	}

	return time.Unix(int64(unix), 0).UTC()
}
