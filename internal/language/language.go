// Package language holds the supported conversation languages together with
// the persona and voice used for each.
package language

import (
	"fmt"
	"strings"
)

type Code string

const (
	Turkish Code = "tr-TR"
	English Code = "en-US"
	Russian Code = "ru-RU"
	German  Code = "de-DE"
)

// Default is used when nothing else has been selected.
const Default = Turkish

type Language struct {
	Code        Code   `json:"code"`
	Name        string `json:"name"`
	Flag        string `json:"flag"`
	Instruction string `json:"instruction"`
	Voice       string `json:"voice"`
}

var table = []Language{
	{
		Code:        Turkish,
		Name:        "Türkçe",
		Flag:        "🇹🇷",
		Instruction: "Sen VisionVoice AI asistanısın. Görsel analiz sonuçlarına göre kullanıcıyla samimi ve bilgili bir sohbete gir.",
		Voice:       "Kore",
	},
	{
		Code:        English,
		Name:        "English",
		Flag:        "🇺🇸",
		Instruction: "You are VisionVoice AI. Engage in a knowledgeable and friendly conversation based on vision analysis.",
		Voice:       "Zephyr",
	},
	{
		Code:        Russian,
		Name:        "Русский",
		Flag:        "🇷🇺",
		Instruction: "Вы VisionVoice AI. Участвуйте в дружеской беседе на основе визуального анализа.",
		Voice:       "Puck",
	},
	{
		Code:        German,
		Name:        "Deutsch",
		Flag:        "🇩🇪",
		Instruction: "Sie sind VisionVoice AI. Führen Sie ein sachkundiges Gespräch basierend auf der Bildanalyse.",
		Voice:       "Charon",
	},
}

// All returns the supported languages in display order.
func All() []Language {
	return append([]Language(nil), table...)
}

func Lookup(code Code) (Language, bool) {
	for _, l := range table {
		if strings.EqualFold(string(l.Code), string(code)) {
			return l, true
		}
	}
	return Language{}, false
}

// SystemInstruction builds the live session persona seeded with an analysis.
func (l Language) SystemInstruction(summary string, details []string) string {
	return fmt.Sprintf("%s Analiz: \"%s\". Detaylar: %s.", l.Instruction, summary, strings.Join(details, ", "))
}
