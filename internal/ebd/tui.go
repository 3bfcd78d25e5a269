package ebd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// logInfo is one viewable build log: a live log/build-log.txt under the tmp
// root, or a compressed .log.xz archived next to a binary package.
type logInfo struct {
	path      string
	content   string
	buildDir  string // tree the live log belongs to, "" for archived logs
	canDelete bool
}

var (
	tuiApp          *tview.Application
	tuiLogs         []logInfo
	tuiActiveIdx    int
	tuiPrevIdx      int
	tuiHeaderBox    *tview.TextView
	tuiLogView      *tview.TextView
	tuiFooterBox    *tview.TextView
	tuiFlex         *tview.Flex
	tuiUpdateChan   chan []logInfo
	tuiPrevContent  map[string]string
	tuiShouldScroll bool
)

// runTUI shows the build log viewer. Live logs refresh while a build writes
// them; archived logs are read once.
func runTUI() int {
	tuiUpdateChan = make(chan []logInfo, 10)
	tuiPrevContent = make(map[string]string)
	tuiPrevIdx = -1

	tuiApp = tview.NewApplication()

	tuiHeaderBox = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetTextAlign(tview.AlignLeft)
	tuiHeaderBox.SetBorder(true)
	tuiHeaderBox.SetTitle("ebd Build Log Viewer")

	tuiLogView = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetScrollable(true).
		SetChangedFunc(func() {
			tuiApp.Draw()
		})
	tuiLogView.SetBorder(true)

	tuiFooterBox = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetTextAlign(tview.AlignLeft)
	tuiFooterBox.SetBorder(true)

	tuiFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(tuiHeaderBox, 3, 0, false).
		AddItem(tuiLogView, 0, 1, true).
		AddItem(tuiFooterBox, 4, 0, false)

	tuiFlex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlQ, tcell.KeyEsc:
			tuiApp.Stop()
			return nil
		case tcell.KeyLeft:
			switchLog(-1)
			return nil
		case tcell.KeyRight:
			switchLog(1)
			return nil
		case tcell.KeyHome:
			tuiLogView.ScrollToBeginning()
			return nil
		case tcell.KeyEnd:
			tuiLogView.ScrollToEnd()
			return nil
		case tcell.KeyUp:
			row, _ := tuiLogView.GetScrollOffset()
			if row > 0 {
				tuiLogView.ScrollTo(row-1, 0)
			}
			return nil
		case tcell.KeyDown:
			row, _ := tuiLogView.GetScrollOffset()
			tuiLogView.ScrollTo(row+1, 0)
			return nil
		case tcell.KeyPgUp:
			row, _ := tuiLogView.GetScrollOffset()
			if row > 10 {
				tuiLogView.ScrollTo(row-10, 0)
			} else {
				tuiLogView.ScrollToBeginning()
			}
			return nil
		case tcell.KeyPgDn:
			row, _ := tuiLogView.GetScrollOffset()
			tuiLogView.ScrollTo(row+10, 0)
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				tuiApp.Stop()
				return nil
			case 'h':
				switchLog(-1)
				return nil
			case 'l':
				switchLog(1)
				return nil
			case 'd':
				if tuiActiveIdx < len(tuiLogs) {
					log := tuiLogs[tuiActiveIdx]
					if log.canDelete {
						os.RemoveAll(log.buildDir)
						go func() {
							tuiUpdateChan <- readAllBuildLogs()
						}()
					}
				}
				return nil
			}
		}
		return event
	})

	// Live refresh loop.
	go func() {
		ticker := time.NewTicker(400 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			logs := readAllBuildLogs()
			select {
			case tuiUpdateChan <- logs:
			default:
			}
		}
	}()

	go func() {
		for logs := range tuiUpdateChan {
			var currentLogPath string
			if tuiActiveIdx < len(tuiLogs) {
				currentLogPath = tuiLogs[tuiActiveIdx].path
			}

			tuiLogs = logs

			if currentLogPath != "" {
				found := false
				for i, log := range tuiLogs {
					if log.path == currentLogPath {
						tuiActiveIdx = i
						found = true
						break
					}
				}
				if !found && tuiActiveIdx >= len(tuiLogs) && len(tuiLogs) > 0 {
					tuiActiveIdx = len(tuiLogs) - 1
				}
			}

			tuiApp.QueueUpdateDraw(func() {
				updateTUI()
			})
		}
	}()

	tuiApp.SetRoot(tuiFlex, true).SetFocus(tuiLogView)

	tuiLogs = readAllBuildLogs()
	if len(tuiLogs) > 0 {
		tuiActiveIdx = 0
	}
	updateTUI()

	if err := tuiApp.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "tui:", err)
		return 1
	}
	return 0
}

func switchLog(step int) {
	if len(tuiLogs) == 0 {
		return
	}
	tuiActiveIdx = (tuiActiveIdx + step + len(tuiLogs)) % len(tuiLogs)
	tuiShouldScroll = true
	updateTUI()
}

func updateTUI() {
	if tuiApp == nil || tuiHeaderBox == nil || tuiLogView == nil || tuiFooterBox == nil {
		return
	}

	var headerText string
	switch {
	case len(tuiLogs) == 0:
		headerText = "[gray]No build logs found[white]"
	case tuiActiveIdx < len(tuiLogs):
		log := tuiLogs[tuiActiveIdx]
		title := fmt.Sprintf("Build Log %d/%d: %s", tuiActiveIdx+1, len(tuiLogs), log.path)
		if log.canDelete {
			title += fmt.Sprintf(" | [red]Press 'd' to delete %s[white]", log.buildDir)
		}
		headerText = fmt.Sprintf("[gray]%s[white]", title)
	default:
		headerText = "[gray]No active log[white]"
	}
	tuiHeaderBox.SetText(headerText)

	if len(tuiLogs) == 0 {
		tuiLogView.SetText("No build log yet. Run 'ebd build <package>' to start a build.")
	} else if tuiActiveIdx < len(tuiLogs) {
		log := tuiLogs[tuiActiveIdx]
		prevContent, hadPrevContent := tuiPrevContent[log.path]

		switchedTabs := tuiPrevIdx != tuiActiveIdx
		if switchedTabs {
			tuiPrevIdx = tuiActiveIdx
		}

		if log.content != prevContent || switchedTabs {
			row, _ := tuiLogView.GetScrollOffset()

			// Detect "was pinned to the bottom" so a growing live log keeps
			// following.
			wasAtBottom := false
			if !switchedTabs && hadPrevContent {
				tuiLogView.ScrollTo(row+1, 0)
				newRow, _ := tuiLogView.GetScrollOffset()
				wasAtBottom = newRow == row
				tuiLogView.ScrollTo(row, 0)
			}

			tuiLogView.Clear()
			ansiWriter := tview.ANSIWriter(tuiLogView)
			ansiWriter.Write([]byte(log.content))

			if switchedTabs || tuiShouldScroll {
				tuiLogView.ScrollToEnd()
				tuiShouldScroll = false
			} else if wasAtBottom {
				tuiLogView.ScrollToEnd()
			} else if hadPrevContent {
				prevLines := strings.Count(prevContent, "\n")
				newLines := strings.Count(log.content, "\n")
				if newLines > prevLines {
					tuiLogView.ScrollTo(row+newLines-prevLines, 0)
				} else {
					tuiLogView.ScrollTo(row, 0)
				}
			}

			tuiPrevContent[log.path] = log.content
		}
	} else {
		tuiLogView.SetText("")
	}

	footer := []string{
		"Press 'q' or Ctrl+Q to quit",
		"← → (or h/l) to switch logs",
		"↑ ↓ to scroll",
		"Home/End to jump to start/end",
	}
	if len(tuiLogs) > 0 && tuiActiveIdx < len(tuiLogs) && tuiLogs[tuiActiveIdx].canDelete {
		footer = append(footer, "'d' to delete the build tree")
	}
	tuiFooterBox.SetText(fmt.Sprintf("[gray]%s[white]", strings.Join(footer, " | ")))
}

// readAllBuildLogs collects live logs from the tmp root and archived logs
// from the binary cache, newest first.
func readAllBuildLogs() []logInfo {
	var livePaths []string
	paths, _ := filepath.Glob(filepath.Join(buildRoot, "*", "log", "build-log.txt"))
	livePaths = append(livePaths, paths...)

	archived, _ := filepath.Glob(filepath.Join(BinDir, "*.log.xz"))

	allPaths := append(append([]string{}, livePaths...), archived...)
	if len(allPaths) == 0 {
		return []logInfo{{path: "No logs", content: "No build log yet. Run 'ebd build <package>' to see logs here."}}
	}

	sort.Slice(allPaths, func(i, j int) bool {
		ai, err1 := os.Stat(allPaths[i])
		aj, err2 := os.Stat(allPaths[j])
		if err1 != nil || err2 != nil {
			return allPaths[i] > allPaths[j]
		}
		return ai.ModTime().After(aj.ModTime())
	})

	logs := make([]logInfo, 0, len(allPaths))
	for _, path := range allPaths {
		data, err := readMaybeXZ(path)
		content := string(data)
		if err != nil {
			content = fmt.Sprintf("failed to read log: %v", err)
		}

		info := logInfo{path: path, content: content}
		if !strings.HasSuffix(path, ".xz") {
			// .../<pkg>/log/build-log.txt -> .../<pkg>
			info.buildDir = filepath.Dir(filepath.Dir(path))
			info.canDelete = canDeleteBuildDir(info.buildDir)
		}
		logs = append(logs, info)
	}
	return logs
}

// canDeleteBuildDir allows deleting a build tree only after it has been idle
// for a while, so a tree a live build is still writing stays safe.
func canDeleteBuildDir(buildDir string) bool {
	info, err := os.Stat(buildDir)
	if err != nil {
		return false
	}

	mostRecent := info.ModTime()
	_ = filepath.Walk(buildDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fi.ModTime().After(mostRecent) {
			mostRecent = fi.ModTime()
		}
		return nil
	})

	return time.Since(mostRecent) >= 5*time.Minute
}
