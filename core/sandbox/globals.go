package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/m3rciful/botrunner/core/logger"
	"github.com/m3rciful/botrunner/core/platform"
	"github.com/m3rciful/botrunner/core/store"
)

const maxLogLine = 1024

type jsUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Language  string `json:"language_code"`
	ChatID    int64  `json:"chat_id"`
}

type jsBot struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

type jsMessage struct {
	Text      string `json:"text"`
	MessageID int    `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
	From      jsUser `json:"from"`
}

// env binds one execution's context to the VM's native functions.
type env struct {
	ctx  context.Context
	vm   *goja.Runtime
	prog Program
	inv  Invocation
}

// throw raises err as a catchable script exception.
func (e *env) throw(err error) {
	panic(e.vm.NewGoError(err))
}

func install(ctx context.Context, vm *goja.Runtime, prog Program, inv Invocation) error {
	e := &env{ctx: ctx, vm: vm, prog: prog, inv: inv}

	user := jsUser{
		ID:        inv.User.ID,
		Username:  inv.User.Username,
		FirstName: inv.User.FirstName,
		LastName:  inv.User.LastName,
		Language:  inv.User.Language,
		ChatID:    inv.ChatID,
	}
	msg := jsMessage{Text: inv.Text, MessageID: inv.MessageID, ChatID: inv.ChatID, From: user}

	api := vm.NewObject()
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"sendMessage":    e.sendText(""),
		"send":           e.sendText("HTML"),
		"reply":          e.reply,
		"sendPhoto":      e.sendMedia(platform.MediaPhoto),
		"sendDocument":   e.sendMedia(platform.MediaDocument),
		"sendVideo":      e.sendMedia(platform.MediaVideo),
		"sendAudio":      e.sendMedia(platform.MediaAudio),
		"sendVoice":      e.sendMedia(platform.MediaVoice),
		"sendLocation":   e.sendLocation,
		"sendVenue":      e.sendVenue,
		"sendContact":    e.sendContact,
		"sendChatAction": e.sendChatAction,
		"getMe":          e.getMe,
	} {
		if err := api.Set(name, fn); err != nil {
			return err
		}
	}

	console := vm.NewObject()
	if err := console.Set("log", e.log); err != nil {
		return err
	}

	var answer any = goja.Undefined()
	if inv.Answer != nil {
		answer = *inv.Answer
	}

	globals := map[string]any{
		"Api":       api,
		"console":   console,
		"log":       e.log,
		"chatId":    inv.ChatID,
		"userId":    inv.User.ID,
		"messageId": inv.MessageID,
		"msg":       msg,
		"getUser":   func() jsUser { return user },
		"isTest":    inv.IsTest,
		"userInput": inv.Text,
		"params":    inv.Params,
		"answer":    answer,
		"isAdmin":   e.isAdmin,
		"wait":      e.wait,
		"User":      e.dataObject(store.ScopeUser),
		"Bot":       e.dataObject(store.ScopeBot),
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	return nil
}

func (e *env) sendText(defaultMode string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := e.current(call.Arguments, 1, isString)
		text := argString(args, 0)
		if strings.TrimSpace(text) == "" {
			e.throw(fmt.Errorf("message text is empty"))
		}
		opts := e.options(argAt(args, 1), defaultMode)
		if err := e.inv.Host.SendText(e.ctx, e.inv.ChatID, text, opts); err != nil {
			e.throw(err)
		}
		return goja.Undefined()
	}
}

func (e *env) reply(call goja.FunctionCall) goja.Value {
	args := e.current(call.Arguments, 1, isString)
	text := argString(args, 0)
	if strings.TrimSpace(text) == "" {
		e.throw(fmt.Errorf("message text is empty"))
	}
	opts := e.options(argAt(args, 1), "HTML")
	opts.ReplyTo = e.inv.MessageID
	if err := e.inv.Host.SendText(e.ctx, e.inv.ChatID, text, opts); err != nil {
		e.throw(err)
	}
	return goja.Undefined()
}

func (e *env) sendMedia(kind platform.MediaKind) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := e.current(call.Arguments, 1, isString)
		media := platform.Media{Kind: kind, URL: argString(args, 0)}
		if o, ok := exportMap(argAt(args, 1)); ok {
			if c, ok := o["caption"].(string); ok {
				media.Caption = c
			}
		}
		e.send(media, argAt(args, 1))
		return goja.Undefined()
	}
}

// sendLocation(latitude, longitude, opts?)
func (e *env) sendLocation(call goja.FunctionCall) goja.Value {
	args := e.current(call.Arguments, 2, isNumber)
	place := &platform.Place{Lat: argFloat(args, 0), Lng: argFloat(args, 1)}
	e.send(platform.Media{Kind: platform.MediaLocation, Place: place}, argAt(args, 2))
	return goja.Undefined()
}

// sendVenue(latitude, longitude, title, address, opts?)
func (e *env) sendVenue(call goja.FunctionCall) goja.Value {
	args := e.current(call.Arguments, 2, isNumber)
	place := &platform.Place{
		Lat:     argFloat(args, 0),
		Lng:     argFloat(args, 1),
		Title:   argString(args, 2),
		Address: argString(args, 3),
	}
	e.send(platform.Media{Kind: platform.MediaVenue, Place: place}, argAt(args, 4))
	return goja.Undefined()
}

// sendContact(phone, firstName, opts?) with opts.last_name.
func (e *env) sendContact(call goja.FunctionCall) goja.Value {
	args := e.current(call.Arguments, 1, isString)
	contact := &platform.Contact{Phone: argString(args, 0), FirstName: argString(args, 1)}
	if o, ok := exportMap(argAt(args, 2)); ok {
		contact.LastName, _ = o["last_name"].(string)
	}
	e.send(platform.Media{Kind: platform.MediaContact, Contact: contact}, argAt(args, 2))
	return goja.Undefined()
}

func (e *env) send(media platform.Media, opts goja.Value) {
	if err := e.inv.Host.SendMedia(e.ctx, e.inv.ChatID, media, e.options(opts, "HTML")); err != nil {
		e.throw(err)
	}
}

func (e *env) getMe(goja.FunctionCall) goja.Value {
	me := e.inv.Host.Me()
	return e.vm.ToValue(jsBot{ID: me.ID, IsBot: true, FirstName: me.FirstName, Username: me.Username})
}

func (e *env) sendChatAction(call goja.FunctionCall) goja.Value {
	action := argString(e.current(call.Arguments, 1, isString), 0)
	if action == "" {
		action = "typing"
	}
	if err := e.inv.Host.SendChatAction(e.ctx, e.inv.ChatID, action); err != nil {
		e.throw(err)
	}
	return goja.Undefined()
}

func (e *env) isAdmin(goja.FunctionCall) goja.Value {
	ok, err := e.inv.Host.IsAdmin(e.ctx, e.inv.User.ID)
	if err != nil {
		e.throw(err)
	}
	return e.vm.ToValue(ok)
}

func (e *env) wait(call goja.FunctionCall) goja.Value {
	ms := call.Argument(0).ToInteger()
	if ms <= 0 {
		return goja.Undefined()
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-e.ctx.Done():
		e.throw(e.ctx.Err())
	}
	return goja.Undefined()
}

func (e *env) log(call goja.FunctionCall) goja.Value {
	parts := make([]string, 0, len(call.Arguments))
	for _, a := range call.Arguments {
		parts = append(parts, a.String())
	}
	logger.Info(e.ctx, "sandbox", "script.log",
		slog.String("kind", string(e.prog.Kind)),
		slog.String("line", logger.SanitizeLimit(strings.Join(parts, " "), maxLogLine)),
	)
	return goja.Undefined()
}

func (e *env) dataObject(scope store.DataScope) *goja.Object {
	obj := e.vm.NewObject()
	_ = obj.Set("saveData", func(call goja.FunctionCall) goja.Value {
		key := e.dataKey(call)
		raw, err := json.Marshal(call.Argument(1).Export())
		if err != nil {
			e.throw(fmt.Errorf("saveData %q: %w", key, err))
		}
		if err := e.inv.Host.SaveData(e.ctx, scope, e.inv.User.ID, key, string(raw)); err != nil {
			e.throw(err)
		}
		return goja.Undefined()
	})
	_ = obj.Set("getData", func(call goja.FunctionCall) goja.Value {
		key := e.dataKey(call)
		raw, ok, err := e.inv.Host.GetData(e.ctx, scope, e.inv.User.ID, key)
		if err != nil {
			e.throw(err)
		}
		if !ok {
			return goja.Null()
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return e.vm.ToValue(raw)
		}
		return e.vm.ToValue(v)
	})
	_ = obj.Set("deleteData", func(call goja.FunctionCall) goja.Value {
		ok, err := e.inv.Host.DeleteData(e.ctx, scope, e.inv.User.ID, e.dataKey(call))
		if err != nil {
			e.throw(err)
		}
		return e.vm.ToValue(ok)
	})
	return obj
}

func (e *env) dataKey(call goja.FunctionCall) string {
	key := strings.TrimSpace(argString(call.Arguments, 0))
	if key == "" {
		e.throw(fmt.Errorf("data key is empty"))
	}
	return key
}

// current drops a leading chat id from args. It is present when args[0] is
// an integer followed by n values accepted by lead. Any chat other than the
// triggering one is refused.
func (e *env) current(args []goja.Value, n int, lead func(goja.Value) bool) []goja.Value {
	if len(args) <= n {
		return args
	}
	id, ok := args[0].Export().(int64)
	if !ok {
		return args
	}
	for _, v := range args[1 : n+1] {
		if !lead(v) {
			return args
		}
	}
	if id != e.inv.ChatID {
		e.throw(fmt.Errorf("%w: %d", ErrForeignChat, id))
	}
	return args[1:]
}

func isString(v goja.Value) bool {
	_, ok := v.Export().(string)
	return ok
}

func isNumber(v goja.Value) bool {
	switch v.Export().(type) {
	case int64, float64:
		return true
	}
	return false
}

func (e *env) options(v goja.Value, defaultMode string) platform.SendOptions {
	opts := platform.SendOptions{ParseMode: defaultMode}
	o, ok := exportMap(v)
	if !ok {
		return opts
	}
	if mode, ok := o["parse_mode"].(string); ok {
		opts.ParseMode = mode
	}
	if dp, ok := o["disable_preview"].(bool); ok {
		opts.DisablePreview = dp
	}
	if rt, ok := o["reply_to_message_id"].(int64); ok {
		opts.ReplyTo = int(rt)
	}
	if raw, ok := o["buttons"].([]any); ok {
		opts.Buttons = parseButtons(raw)
	}
	return opts
}

// parseButtons accepts rows of buttons or a flat list, one button per row.
func parseButtons(raw []any) [][]platform.Button {
	var rows [][]platform.Button
	for _, item := range raw {
		switch v := item.(type) {
		case []any:
			var row []platform.Button
			for _, b := range v {
				if btn, ok := parseButton(b); ok {
					row = append(row, btn)
				}
			}
			if len(row) > 0 {
				rows = append(rows, row)
			}
		default:
			if btn, ok := parseButton(v); ok {
				rows = append(rows, []platform.Button{btn})
			}
		}
	}
	return rows
}

func parseButton(v any) (platform.Button, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return platform.Button{}, false
	}
	btn := platform.Button{}
	btn.Text, _ = m["text"].(string)
	btn.Data, _ = m["data"].(string)
	btn.URL, _ = m["url"].(string)
	return btn, btn.Text != ""
}

func exportMap(v goja.Value) (map[string]any, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	m, ok := v.Export().(map[string]any)
	return m, ok
}

func argAt(args []goja.Value, i int) goja.Value {
	if i < len(args) {
		return args[i]
	}
	return goja.Undefined()
}

func argString(args []goja.Value, i int) string {
	v := argAt(args, i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func argFloat(args []goja.Value, i int) float64 {
	v := argAt(args, i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	return v.ToFloat()
}
