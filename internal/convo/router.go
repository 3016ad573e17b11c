package convo

import (
	"strings"

	"github.com/ZapMentor/ZapMentor/internal/models"
)

// CommandKind distinguishes the handling path of a routed command.
type CommandKind int

const (
	// KindUnknown is an unmapped command token. It never reaches generation.
	KindUnknown CommandKind = iota
	// KindHelp replies with the static menu.
	KindHelp
	// KindGenerate triggers a content generation request.
	KindGenerate
)

// RoutedCommand is the result of parsing one command message.
type RoutedCommand struct {
	Kind  CommandKind
	Type  models.RequestType
	Name  string
	Topic string
}

// generationCommands maps command tokens to their request type. The accented
// spelling of /tendência routes the same as the plain one.
var generationCommands = map[string]models.RequestType{
	"/ferramenta":  models.RequestTypeToolRecommendation,
	"/ferramentas": models.RequestTypeToolRecommendation,
	"/caso":        models.RequestTypeCaseStudy,
	"/casos":       models.RequestTypeCaseStudy,
	"/tendencia":   models.RequestTypeTrendReport,
	"/tendência":   models.RequestTypeTrendReport,
	"/tendencias":  models.RequestTypeTrendReport,
	"/tendências":  models.RequestTypeTrendReport,
}

var helpCommands = map[string]bool{
	"/ajuda":    true,
	"/menu":     true,
	"/comandos": true,
	"/help":     true,
	"/start":    true,
}

// HelpMenu is the static command menu, sent for help commands and after an
// unknown command.
const HelpMenu = `🤖 *ZapMentor — comandos disponíveis*

/ferramenta [tema] — recomendação de ferramenta de IA
/caso [tema] — estudo de caso real de aplicação de IA
/tendencia [tema] — panorama de tendências do setor
/ajuda — mostra este menu

Você também pode enviar qualquer pergunta em texto livre.`

// Route parses one full command string into its handling decision. The first
// whitespace-separated token selects the command; the remainder is the topic.
// "#" is accepted as an alternate prefix.
func Route(fullCommand string) RoutedCommand {
	trimmed := strings.TrimSpace(fullCommand)
	token, rest, _ := strings.Cut(trimmed, " ")
	token = strings.ToLower(token)
	if strings.HasPrefix(token, "#") {
		token = "/" + strings.TrimPrefix(token, "#")
	}

	if helpCommands[token] {
		return RoutedCommand{Kind: KindHelp, Name: token}
	}
	if reqType, ok := generationCommands[token]; ok {
		return RoutedCommand{
			Kind:  KindGenerate,
			Type:  reqType,
			Name:  token,
			Topic: strings.TrimSpace(rest),
		}
	}
	return RoutedCommand{Kind: KindUnknown, Type: models.RequestTypeUnknownCommand, Name: token}
}
