package log

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

var levelColor = map[Lvl]*color.Color{
	LvlError: color.New(color.FgRed, color.Bold),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.FgMagenta),
}

// format renders a Record as "INFO [timestamp] msg key=val" lines,
// colorizing the level tag when writing to a real terminal.
func format(rec Record, useColor bool) string {
	var b strings.Builder
	ts := rec.Time.Format("2006-01-02T15:04:05.000")
	lvl := rec.Lvl.String()
	if useColor {
		if c, ok := levelColor[rec.Lvl]; ok {
			lvl = c.Sprint(lvl)
		}
	}
	fmt.Fprintf(&b, "%s [%s] %s", lvl, ts, rec.Msg)
	for i := 0; i+1 < len(rec.Ctx); i += 2 {
		fmt.Fprintf(&b, " %v=%v", rec.Ctx[i], rec.Ctx[i+1])
	}
	if rec.Call.Frame().Function != "" {
		fmt.Fprintf(&b, " caller=%s:%d", shortFile(rec.Call.Frame().File), rec.Call.Frame().Line)
	}
	b.WriteByte('\n')
	return b.String()
}

func shortFile(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
