package frontend

import (
	"fmt"
	"html"
	"strings"
	"time"

	"lunchbot/internal/enrollment"
	"lunchbot/internal/envelope"
)

func escape(s string) string { return html.EscapeString(s) }

func mention(userID int64, name string) string {
	if name == "" {
		name = "someone"
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, userID, escape(name))
}

func describe(sch envelope.Schedule, loc *time.Location) string {
	t := sch.Time.In(loc)
	switch sch.Type {
	case envelope.Daily:
		return "every day at " + t.Format("15:04")
	case envelope.Weekday:
		return "every " + t.Weekday().String() + " at " + t.Format("15:04")
	case envelope.OneTime:
		return "on " + t.Format("2006-01-02 15:04")
	}
	return t.Format("2006-01-02 15:04")
}

func renderNotify(sch envelope.Schedule, members []enrollment.Member) string {
	var b strings.Builder
	b.WriteString("<b>" + escape(sch.Title) + "</b> is about to begin")
	if len(members) > 0 {
		mentions := make([]string, 0, len(members))
		for _, m := range members {
			mentions = append(mentions, mention(m.UserID, m.Name))
		}
		b.WriteString("\n" + strings.Join(mentions, " "))
	}
	return b.String()
}

func renderFeedback(fb envelope.FeedbackContext, loc *time.Location) string {
	var first envelope.Schedule
	if len(fb.Schedules) > 0 {
		first = fb.Schedules[0]
	}
	switch fb.Action {
	case envelope.ActionList:
		if !fb.Success {
			return "This chat is not set up for lunches."
		}
		if len(fb.Schedules) == 0 {
			return "No lunches scheduled."
		}
		var b strings.Builder
		b.WriteString("<b>Scheduled lunches</b>")
		for i, sch := range fb.Schedules {
			fmt.Fprintf(&b, "\n%d. %s, %s\n   id: <code>%s</code>", i+1, escape(sch.Title), describe(sch, loc), escape(sch.LunchID))
		}
		return b.String()
	case envelope.ActionSetup:
		if !fb.Success || len(fb.Schedules) == 0 {
			return "Could not schedule that lunch."
		}
		return fmt.Sprintf("Scheduled <b>%s</b> %s.\nid: <code>%s</code>", escape(first.Title), describe(first, loc), escape(first.LunchID))
	case envelope.ActionModify:
		if !fb.Success || len(fb.Schedules) == 0 {
			return "Could not change that lunch. Check the id with /list."
		}
		return fmt.Sprintf("Updated <b>%s</b>: %s.", escape(first.Title), describe(first, loc))
	case envelope.ActionSkip:
		if !fb.Success {
			return "Could not skip that lunch."
		}
		if len(fb.Schedules) == 0 {
			return "Nothing to skip."
		}
		return fmt.Sprintf("Skipping the next <b>%s</b>.", escape(first.Title))
	case envelope.ActionCancel:
		if !fb.Success || len(fb.Schedules) == 0 {
			return "No lunch with that id."
		}
		return fmt.Sprintf("Cancelled <b>%s</b>.", escape(first.Title))
	case envelope.ActionNotify:
		return renderNotify(first, nil)
	}
	return ""
}
