// Package tui is the terminal chat client built on the realtime runtime.
package tui

import (
	"context"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/conn"
	"github.com/matheus3301/rtchat/internal/presence"
	"github.com/matheus3301/rtchat/internal/protocol"
	"github.com/matheus3301/rtchat/internal/reconcile"
	"github.com/matheus3301/rtchat/internal/runtime"
	"github.com/matheus3301/rtchat/internal/tui/keys"
	"github.com/matheus3301/rtchat/internal/tui/model"
	"github.com/matheus3301/rtchat/internal/tui/views"
	"github.com/matheus3301/rtchat/internal/typing"
)

const (
	pageHome   = "home"
	pageThread = "thread"

	historyLimit = 50
	flashTTL     = 5 * time.Second
)

// App is the main TUI application shell.
type App struct {
	app      *tview.Application
	pages    *tview.Pages
	rt       *runtime.Runtime
	log      *zap.Logger
	registry *keys.Registry
	flash    *model.Flash

	statusBar *views.StatusBar
	home      *views.Home
	thread    *views.Thread
	presence  *views.PresenceBar
	composer  *views.Composer

	mu           sync.Mutex
	participants map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the TUI on top of a started runtime.
func NewApp(rt *runtime.Runtime, profileName string, log *zap.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		app:          tview.NewApplication(),
		pages:        tview.NewPages(),
		rt:           rt,
		log:          log,
		registry:     keys.NewRegistry(),
		flash:        model.NewFlash(nil),
		statusBar:    views.NewStatusBar(),
		home:         views.NewHome(),
		presence:     views.NewPresenceBar(),
		composer:     views.NewComposer(),
		participants: make(map[string]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	a.thread = views.NewThread(a.queueDraw)

	a.statusBar.SetProfile(profileName)
	a.statusBar.SetState(rt.Conn.State())
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.registry.Global(&keys.Binding{
		Key: tcell.KeyRune, Rune: 'q', Hint: "q:quit",
		Handler: func() { a.app.Stop() },
	})
	a.registry.Page(pageThread, &keys.Binding{
		Key: tcell.KeyRune, Rune: 'i', Hint: "i:compose",
		Handler: func() { a.app.SetFocus(a.composer.InputField) },
	})
	a.registry.Page(pageThread, &keys.Binding{
		Key: tcell.KeyRune, Rune: 'r', Hint: "r:retry",
		Handler: a.retryFailed,
	})
	a.registry.Page(pageThread, &keys.Binding{
		Key: tcell.KeyRune, Rune: 'R', Hint: "R:refresh presence",
		Handler: func() { a.refreshPresence(true) },
	})
}

func (a *App) setupCallbacks() {
	a.home.SetOnOpen(func(id string) { go a.openConversation(id) })

	a.composer.SetOnType(func() {
		if id := a.thread.ConversationID(); id != "" {
			a.rt.Typing.EmitTyping(id)
		}
	})
	a.composer.SetOnSend(func(text string) {
		id := a.thread.ConversationID()
		if id == "" {
			return
		}
		go func() {
			_, err := a.rt.Messages.Send(a.ctx, reconcile.Draft{ConversationID: id, Content: text})
			if err != nil {
				a.setFlash("Send failed: " + err.Error())
			}
		}()
	})
}

func (a *App) setupLayout() {
	threadFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.presence, 1, 0, false).
		AddItem(a.thread, 0, 1, true).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage(pageHome, a.home, true, true)
	a.pages.AddPage(pageThread, threadFlex, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)
	a.statusBar.SetHints(a.registry.Hints(pageHome))

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		page, _ := a.pages.GetFrontPage()

		if event.Key() == tcell.KeyEscape && page == pageThread {
			if a.app.GetFocus() == a.composer.InputField {
				a.app.SetFocus(a.thread)
				return nil
			}
			go a.closeConversation()
			return nil
		}

		if event.Key() == tcell.KeyTab && page == pageHome {
			if a.app.GetFocus() == a.home.Input() {
				a.app.SetFocus(a.home.Recent())
			} else {
				a.app.SetFocus(a.home.Input())
			}
			return nil
		}

		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			return event
		}
		if a.registry.Handle(page, event) {
			return nil
		}
		return event
	})
}

// openConversation switches the thread to id. It runs off the UI goroutine.
func (a *App) openConversation(id string) {
	if err := protocol.ValidateConversationID(id); err != nil {
		a.setFlash(err.Error())
		return
	}
	if current := a.thread.ConversationID(); current != "" {
		a.leave(current)
	}

	a.thread.Reset(id, a.rt.Conn.AccountID())
	a.mu.Lock()
	clear(a.participants)
	a.mu.Unlock()

	if err := a.rt.OpenConversation(id, a.thread); err != nil {
		a.setFlash("Open failed: " + err.Error())
		return
	}
	a.queueDraw(func() {
		a.presence.Update(nil)
		a.home.AddRecent(id)
		a.pages.SwitchToPage(pageThread)
		a.app.SetFocus(a.composer.InputField)
		a.statusBar.SetHints(a.registry.Hints(pageThread))
	})

	n, err := a.rt.LoadHistory(a.ctx, id, historyLimit)
	if err != nil {
		a.log.Warn("history load failed", zap.String("conversation_id", id), zap.Error(err))
		a.setFlash("History unavailable: " + err.Error())
		return
	}
	a.log.Debug("history loaded", zap.String("conversation_id", id), zap.Int("messages", n))
}

// closeConversation returns to the home page. It runs off the UI goroutine.
func (a *App) closeConversation() {
	if id := a.thread.ConversationID(); id != "" {
		a.leave(id)
	}
	a.thread.Reset("", a.rt.Conn.AccountID())
	a.queueDraw(func() {
		a.pages.SwitchToPage(pageHome)
		a.app.SetFocus(a.home.Input())
		a.statusBar.SetHints(a.registry.Hints(pageHome))
	})
}

func (a *App) leave(id string) {
	if err := a.rt.CloseConversation(id, a.thread); err != nil {
		a.log.Warn("close conversation", zap.String("conversation_id", id), zap.Error(err))
	}
}

func (a *App) retryFailed() {
	tempID := a.thread.LastFailed()
	if tempID == "" {
		return
	}
	go func() {
		if _, err := a.rt.Messages.Retry(a.ctx, tempID); err != nil {
			a.setFlash("Retry failed: " + err.Error())
		}
	}()
}

// queueDraw hands fn to the UI goroutine. Updates after the app stopped are dropped.
func (a *App) queueDraw(fn func()) {
	if a.ctx.Err() != nil {
		return
	}
	a.app.QueueUpdateDraw(fn)
}

func (a *App) setFlash(msg string) {
	a.flash.Set(msg, flashTTL)
	a.queueDraw(func() {
		a.statusBar.SetFlash(a.flash.Get())
	})
}

// addParticipant records a sender and reports whether it was new.
func (a *App) addParticipant(accountID string) bool {
	if accountID == "" || accountID == a.rt.Conn.AccountID() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.participants[accountID]; ok {
		return false
	}
	a.participants[accountID] = struct{}{}
	return true
}

func (a *App) participantIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.participants))
	for id := range a.participants {
		ids = append(ids, id)
	}
	return ids
}

// refreshPresence asks for a snapshot of the current participants and redraws.
func (a *App) refreshPresence(force bool) {
	ids := a.participantIDs()
	if len(ids) == 0 {
		return
	}
	go func() {
		if err := a.rt.Presence.EnsureSnapshot(a.ctx, ids, force); err != nil {
			a.log.Debug("presence snapshot", zap.Error(err))
		}
		a.redrawPresence()
	}()
}

func (a *App) redrawPresence() {
	statuses := make(map[string]presence.Status)
	for _, id := range a.participantIDs() {
		statuses[id] = a.rt.Presence.ResolveStatus(id)
	}
	a.queueDraw(func() {
		a.presence.Update(statuses)
	})
}

// watchEvents follows runtime events until the app stops.
func (a *App) watchEvents() {
	events, unsubscribe := a.rt.Bus.Subscribe("", 256)
	defer unsubscribe()
	for {
		select {
		case <-a.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleEvent(evt)
		}
	}
}

func (a *App) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindConnStateChanged:
		change, _ := evt.Payload.(conn.Change)
		a.queueDraw(func() {
			a.statusBar.SetState(change.To)
		})
		if change.To == conn.Connected {
			a.refreshPresence(true)
		}
	case bus.KindMessageRendered:
		msg, ok := evt.Payload.(protocol.NewMessage)
		if ok && msg.ConversationID == a.thread.ConversationID() && a.addParticipant(msg.SenderID) {
			a.refreshPresence(false)
		}
	case bus.KindTypingShown:
		ind, ok := evt.Payload.(typing.Indicator)
		if ok && ind.ConversationID == a.thread.ConversationID() && a.addParticipant(ind.AccountID) {
			a.refreshPresence(false)
		}
	case bus.KindPresenceUpdated, bus.KindPresenceCleared:
		a.redrawPresence()
	case bus.KindMessageFailed:
		a.setFlash("Message failed, press r to retry")
	}
}

// Run starts the TUI application and blocks until it quits.
func (a *App) Run() error {
	go a.watchEvents()
	go a.tick()
	a.app.SetFocus(a.home.Input())
	err := a.app.Run()
	a.cancel()
	if id := a.thread.ConversationID(); id != "" {
		a.leave(id)
	}
	return err
}

// tick keeps the status bar clock and flash current.
func (a *App) tick() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.queueDraw(func() {
				a.statusBar.SetFlash(a.flash.Get())
			})
		case <-a.ctx.Done():
			return
		}
	}
}

// Stop quits the TUI; Run returns once the event loop exits.
func (a *App) Stop() {
	a.app.Stop()
}
