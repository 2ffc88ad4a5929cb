package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ashureev/songsync/internal/client"
	"github.com/ashureev/songsync/internal/domain"
)

// printer writes what changed between successive views.
type printer struct {
	mu        sync.Mutex
	w         io.Writer
	stage     domain.Stage
	progress  int
	turns     int
	lyrics    map[int]bool // version -> reviewed
	logs      int
	lastError string
	connected bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, lyrics: make(map[int]bool), progress: -1}
}

// Print reports the difference between v and the previously printed view.
func (p *printer) Print(v client.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.Connected != p.connected {
		p.connected = v.Connected
		if v.Connected {
			p.line("connected to session %s", v.SessionID)
		} else if !v.Terminal() {
			p.line("disconnected")
		}
	}
	if v.Stage != p.stage || v.Progress != p.progress {
		p.stage, p.progress = v.Stage, v.Progress
		p.line("[%3d%%] %s: %s", v.Progress, v.Stage, v.Description)
	}
	// A re-snapshot may hand back a shorter history; start over when it does.
	if len(v.Conversation) < p.turns {
		p.turns = 0
	}
	for _, t := range v.Conversation[p.turns:] {
		if t.Role == domain.RoleSystem {
			continue
		}
		p.line("%s> %s", t.Role, oneLine(t.Content))
	}
	p.turns = len(v.Conversation)

	for _, l := range v.Lyrics {
		reviewed := l.Approved || l.Feedback != nil
		seen, ok := p.lyrics[l.Version]
		switch {
		case !ok:
			p.line("lyrics v%d:\n%s", l.Version, indent(lyricsText(l)))
		case reviewed && !seen:
			p.line("lyrics v%d %s", l.Version, verdict(l))
		}
		p.lyrics[l.Version] = reviewed
	}

	if v.ShowDebug {
		if len(v.DebugLogs) < p.logs {
			p.logs = 0
		}
		for _, l := range v.DebugLogs[p.logs:] {
			p.line("debug %s %s", l.Level, l.Message)
		}
	}
	p.logs = len(v.DebugLogs)

	if v.LastError != "" && v.LastError != p.lastError {
		p.line("error: %s", v.LastError)
	}
	p.lastError = v.LastError
}

// Final prints the outcome of a finished session.
func (p *printer) Final(v client.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch v.Stage {
	case domain.StageCompleted:
		p.line("completed")
		if v.Result == nil {
			return
		}
		for i, f := range v.Result.AudioFiles {
			p.line("  %d. %s (%.1fs, score %.2f) %s", i+1, f.Filename, f.Duration, f.Score, f.URL)
		}
	case domain.StageFailed:
		p.line("failed: %s", v.Description)
	}
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func lyricsText(l domain.LyricsVersion) string {
	if l.AnnotatedContent != nil && *l.AnnotatedContent != "" {
		return *l.AnnotatedContent
	}
	return l.Content
}

func verdict(l domain.LyricsVersion) string {
	if l.Approved {
		return "approved"
	}
	if l.Feedback != nil && *l.Feedback != "" {
		return "rejected: " + *l.Feedback
	}
	return "rejected"
}

func indent(s string) string {
	return "    " + strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n    ")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
