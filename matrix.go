// mautrix-irc - A Matrix-IRC puppeting bridge.
// Copyright (C) 2026 Tulir Asokan
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	matrixRetryCount = 60
	matrixRetryDelay = 30 * time.Second
)

// MatrixAPI is the typed facade the rooms and the puppet registry use to
// talk to the homeserver. Semantic API errors (M_FORBIDDEN, M_NOT_FOUND,
// M_USER_IN_USE, ...) surface to the caller as mautrix.RespError values;
// transport errors are retried internally. A non-empty asUser performs the
// call impersonating that puppet via ?user_id=.
type MatrixAPI interface {
	BotUserID() id.UserID
	Whoami(ctx context.Context) (id.UserID, error)

	SendEvent(ctx context.Context, asUser id.UserID, roomID id.RoomID, evtType event.Type, content *event.MessageEventContent) error
	SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error
	GetStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, into any) error
	SendReaction(ctx context.Context, roomID id.RoomID, eventID id.EventID, key string) error

	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	InviteUser(ctx context.Context, asUser id.UserID, roomID id.RoomID, userID id.UserID) error
	JoinRoom(ctx context.Context, asUser id.UserID, roomID id.RoomID) error
	EnsureJoined(ctx context.Context, asUser id.UserID, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, asUser id.UserID, roomID id.RoomID) error
	ForgetRoom(ctx context.Context, roomID id.RoomID) error
	KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error)

	RegisterPuppet(ctx context.Context, userID id.UserID) error
	SetDisplayName(ctx context.Context, asUser id.UserID, name string) error
	SetAvatarURL(ctx context.Context, asUser id.UserID, url id.ContentURI) error
	UploadMedia(ctx context.Context, data []byte, contentType, fileName string) (id.ContentURI, error)

	SetAccountData(ctx context.Context, key string, data any) error
	GetAccountData(ctx context.Context, key string, into any) error
	SetRoomAccountData(ctx context.Context, roomID id.RoomID, key string, data any) error
	GetRoomAccountData(ctx context.Context, roomID id.RoomID, key string, into any) error

	IsSynapseAdmin(ctx context.Context, userID id.UserID) (bool, error)
}

// matrixClient implements MatrixAPI on top of the appservice intent API.
type matrixClient struct {
	as    *appservice.AppService
	log   zerolog.Logger
	epoch int64
	seq   atomic.Int64
}

var _ MatrixAPI = (*matrixClient)(nil)

func newMatrixClient(as *appservice.AppService, log zerolog.Logger) *matrixClient {
	return &matrixClient{
		as:    as,
		log:   log,
		epoch: time.Now().Unix(),
	}
}

func (mx *matrixClient) txnID() string {
	return fmt.Sprintf("%d-%d", mx.epoch, mx.seq.Add(1))
}

func (mx *matrixClient) intent(asUser id.UserID) *appservice.IntentAPI {
	if asUser == "" || asUser == mx.as.BotMXID() {
		return mx.as.BotIntent()
	}
	return mx.as.Intent(asUser)
}

// retry runs fn until it succeeds or fails with a semantic API error.
// Transport and timeout errors are retried with a fixed back-off.
func (mx *matrixClient) retry(ctx context.Context, name string, fn func() error) error {
	var err error
	for attempt := 0; attempt < matrixRetryCount; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var httpErr mautrix.HTTPError
		if errors.As(err, &httpErr) && httpErr.RespError != nil {
			// The homeserver answered: not a transport problem, surface it.
			return err
		}
		mx.log.Warn().Err(err).Str("call", name).Int("attempt", attempt+1).
			Msg("Matrix call failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(matrixRetryDelay):
		}
	}
	return err
}

func (mx *matrixClient) BotUserID() id.UserID {
	return mx.as.BotMXID()
}

func (mx *matrixClient) Whoami(ctx context.Context) (userID id.UserID, err error) {
	err = mx.retry(ctx, "whoami", func() error {
		resp, err := mx.as.BotClient().Whoami(ctx)
		if err != nil {
			return err
		}
		userID = resp.UserID
		return nil
	})
	return
}

func (mx *matrixClient) SendEvent(ctx context.Context, asUser id.UserID, roomID id.RoomID, evtType event.Type, content *event.MessageEventContent) error {
	return mx.retry(ctx, "send event", func() error {
		_, err := mx.intent(asUser).SendMessageEvent(ctx, roomID, evtType, content, mautrix.ReqSendEvent{
			TransactionID: mx.txnID(),
		})
		return err
	})
}

func (mx *matrixClient) SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error {
	return mx.retry(ctx, "send state event", func() error {
		_, err := mx.as.BotIntent().SendStateEvent(ctx, roomID, evtType, stateKey, content)
		return err
	})
}

func (mx *matrixClient) GetStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, into any) error {
	return mx.retry(ctx, "get state event", func() error {
		return mx.as.BotClient().StateEvent(ctx, roomID, evtType, stateKey, into)
	})
}

func (mx *matrixClient) SendReaction(ctx context.Context, roomID id.RoomID, eventID id.EventID, key string) error {
	return mx.retry(ctx, "send reaction", func() error {
		_, err := mx.as.BotIntent().SendMessageEvent(ctx, roomID, event.EventReaction, &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{
				Type:    event.RelAnnotation,
				EventID: eventID,
				Key:     key,
			},
		})
		return err
	})
}

func (mx *matrixClient) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (roomID id.RoomID, err error) {
	err = mx.retry(ctx, "create room", func() error {
		resp, err := mx.as.BotClient().CreateRoom(ctx, req)
		if err != nil {
			return err
		}
		roomID = resp.RoomID
		return nil
	})
	return
}

func (mx *matrixClient) InviteUser(ctx context.Context, asUser id.UserID, roomID id.RoomID, userID id.UserID) error {
	return mx.retry(ctx, "invite user", func() error {
		_, err := mx.intent(asUser).InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
		return err
	})
}

func (mx *matrixClient) JoinRoom(ctx context.Context, asUser id.UserID, roomID id.RoomID) error {
	return mx.retry(ctx, "join room", func() error {
		_, err := mx.intent(asUser).JoinRoomByID(ctx, roomID)
		return err
	})
}

func (mx *matrixClient) EnsureJoined(ctx context.Context, asUser id.UserID, roomID id.RoomID) error {
	return mx.retry(ctx, "ensure joined", func() error {
		return mx.intent(asUser).EnsureJoined(ctx, roomID)
	})
}

func (mx *matrixClient) LeaveRoom(ctx context.Context, asUser id.UserID, roomID id.RoomID) error {
	return mx.retry(ctx, "leave room", func() error {
		_, err := mx.intent(asUser).LeaveRoom(ctx, roomID)
		return err
	})
}

func (mx *matrixClient) ForgetRoom(ctx context.Context, roomID id.RoomID) error {
	return mx.retry(ctx, "forget room", func() error {
		_, err := mx.as.BotClient().ForgetRoom(ctx, roomID)
		return err
	})
}

func (mx *matrixClient) KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	return mx.retry(ctx, "kick user", func() error {
		_, err := mx.as.BotClient().KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: userID, Reason: reason})
		return err
	})
}

func (mx *matrixClient) JoinedRooms(ctx context.Context) (rooms []id.RoomID, err error) {
	err = mx.retry(ctx, "joined rooms", func() error {
		resp, err := mx.as.BotClient().JoinedRooms(ctx)
		if err != nil {
			return err
		}
		rooms = resp.JoinedRooms
		return nil
	})
	return
}

func (mx *matrixClient) JoinedMembers(ctx context.Context, roomID id.RoomID) (members []id.UserID, err error) {
	err = mx.retry(ctx, "joined members", func() error {
		resp, err := mx.as.BotClient().JoinedMembers(ctx, roomID)
		if err != nil {
			return err
		}
		members = members[:0]
		for userID := range resp.Joined {
			members = append(members, userID)
		}
		return nil
	})
	return
}

func (mx *matrixClient) ResolveAlias(ctx context.Context, alias id.RoomAlias) (roomID id.RoomID, err error) {
	err = mx.retry(ctx, "resolve alias", func() error {
		resp, err := mx.as.BotClient().ResolveAlias(ctx, alias)
		if err != nil {
			return err
		}
		roomID = resp.RoomID
		return nil
	})
	return
}

// RegisterPuppet lazily registers a puppet user. M_USER_IN_USE is success:
// the intent API swallows it and marks the puppet registered.
func (mx *matrixClient) RegisterPuppet(ctx context.Context, userID id.UserID) error {
	return mx.retry(ctx, "register puppet", func() error {
		return mx.as.Intent(userID).EnsureRegistered(ctx)
	})
}

func (mx *matrixClient) SetDisplayName(ctx context.Context, asUser id.UserID, name string) error {
	return mx.retry(ctx, "set displayname", func() error {
		return mx.intent(asUser).SetDisplayName(ctx, name)
	})
}

func (mx *matrixClient) SetAvatarURL(ctx context.Context, asUser id.UserID, url id.ContentURI) error {
	return mx.retry(ctx, "set avatar", func() error {
		return mx.intent(asUser).SetAvatarURL(ctx, url)
	})
}

func (mx *matrixClient) UploadMedia(ctx context.Context, data []byte, contentType, fileName string) (uri id.ContentURI, err error) {
	err = mx.retry(ctx, "upload media", func() error {
		resp, err := mx.as.BotClient().UploadMedia(ctx, mautrix.ReqUploadMedia{
			ContentBytes: data,
			ContentType:  contentType,
			FileName:     fileName,
		})
		if err != nil {
			return err
		}
		uri = resp.ContentURI
		return nil
	})
	return
}

func (mx *matrixClient) SetAccountData(ctx context.Context, key string, data any) error {
	return mx.retry(ctx, "set account data", func() error {
		return mx.as.BotClient().SetAccountData(ctx, key, data)
	})
}

func (mx *matrixClient) GetAccountData(ctx context.Context, key string, into any) error {
	return mx.retry(ctx, "get account data", func() error {
		return mx.as.BotClient().GetAccountData(ctx, key, into)
	})
}

func (mx *matrixClient) SetRoomAccountData(ctx context.Context, roomID id.RoomID, key string, data any) error {
	return mx.retry(ctx, "set room account data", func() error {
		return mx.as.BotClient().SetRoomAccountData(ctx, roomID, key, data)
	})
}

func (mx *matrixClient) GetRoomAccountData(ctx context.Context, roomID id.RoomID, key string, into any) error {
	return mx.retry(ctx, "get room account data", func() error {
		return mx.as.BotClient().GetRoomAccountData(ctx, roomID, key, into)
	})
}

// IsSynapseAdmin asks the optional Synapse admin API whether a user is a
// server admin. Callers treat any error as "no".
func (mx *matrixClient) IsSynapseAdmin(ctx context.Context, userID id.UserID) (bool, error) {
	var resp struct {
		Admin bool `json:"admin"`
	}
	cli := mx.as.BotClient()
	_, err := cli.MakeFullRequest(ctx, mautrix.FullRequest{
		Method:       http.MethodGet,
		URL:          cli.BuildURL(mautrix.SynapseAdminURLPath{"v1", "users", userID, "admin"}),
		ResponseJSON: &resp,
	})
	if err != nil {
		return false, err
	}
	return resp.Admin, nil
}
