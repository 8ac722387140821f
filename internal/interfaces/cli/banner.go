package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var bannerStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("6")).
	Bold(true)

var bannerHintStyle = lipgloss.NewStyle().Faint(true)

// PrintBanner 启动横幅
func PrintBanner(version, projectPath, model string) {
	fmt.Println(bannerStyle.Render("Safe-Coder " + version))
	fmt.Println(bannerHintStyle.Render("project: " + projectPath))
	fmt.Println(bannerHintStyle.Render("model:   " + model))
	fmt.Println(bannerHintStyle.Render("type /help for commands, /exit to quit"))
	fmt.Println()
}
