// Package keyboard builds inline keyboards from plain button descriptions.
package keyboard

import tele "gopkg.in/telebot.v4"

// InlineBtn is one inline button: its label, the callback key and payload.
type InlineBtn struct {
	Text   string
	Unique string
	Data   string
}

const cancelText = "❌ Cancel"

// InlineButtons places every button on its own row.
func InlineButtons(buttons []InlineBtn) *tele.ReplyMarkup {
	rows := make([][]InlineBtn, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, []InlineBtn{b})
	}
	return InlineButtonsRows(rows...)
}

// InlineButtonsRows builds an inline keyboard with the given row layout.
func InlineButtonsRows(rows ...[]InlineBtn) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	markup.InlineKeyboard = make([][]tele.InlineButton, len(rows))
	for i, row := range rows {
		markup.InlineKeyboard[i] = make([]tele.InlineButton, len(row))
		for j, btn := range row {
			markup.InlineKeyboard[i][j] = *markup.Data(btn.Text, btn.Unique, btn.Data).Inline()
		}
	}
	return markup
}

// SingleCancelMarkup is a keyboard with one cancel button bound to action.
func SingleCancelMarkup(action string) *tele.ReplyMarkup {
	return InlineButtons([]InlineBtn{{Text: cancelText, Unique: action, Data: "cancel"}})
}
