package ebd

import (
	"fmt"
	"os"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// Pager chrome follows the palette in globals.go.
var (
	pagerTitleColor  = tcell.GetColor("#1976D2")
	pagerBorderColor = tcell.ColorGray
	pagerFooterText  = "[#FFEB3B]↑/↓ PgUp/PgDn Home/End[-] scroll   [#FFEB3B]q/Esc[-] quit"
)

// RunPager shows lines in a scrollable view when stdout is a TTY and the
// content overflows the terminal; otherwise it prints them plainly. Two rows
// are reserved for the view border when deciding whether content fits.
func RunPager(title string, lines []string) error {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) || fitsTerminal(fd, len(lines)) {
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	}

	app := tview.NewApplication()
	if err := app.SetRoot(pagerLayout(app, title, lines), true).Run(); err != nil {
		return fmt.Errorf("pager failed: %w", err)
	}
	return nil
}

func fitsTerminal(fd, n int) bool {
	_, height, err := term.GetSize(fd)
	return err == nil && n <= height-2
}

func pagerLayout(app *tview.Application, title string, lines []string) *tview.Flex {
	content := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	content.SetBorder(true).
		SetBorderColor(pagerBorderColor).
		SetTitle(" " + title + " ").
		SetTitleColor(pagerTitleColor)
	fmt.Fprint(tview.ANSIWriter(content), strings.Join(lines, "\n"))

	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(pagerFooterText)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEsc || event.Key() == tcell.KeyCtrlQ ||
			(event.Key() == tcell.KeyRune && event.Rune() == 'q') {
			app.Stop()
			return nil
		}
		return event
	})
	app.SetFocus(content)

	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(content, 0, 1, true).
		AddItem(footer, 1, 0, false)
}
