package keyboard

import (
	"github.com/m3rciful/botrunner/core/platform"

	tele "gopkg.in/telebot.v4"
)

// InlineButtonsRows builds an inline keyboard from rows of buttons. Buttons
// with a URL open a link, the rest carry callback data. Empty rows are dropped.
func InlineButtonsRows(rows ...[]platform.Button) *tele.ReplyMarkup {
	inline := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tele.InlineButton, 0, len(row))
		for _, btn := range row {
			if btn.Text == "" {
				continue
			}
			ib := tele.InlineButton{Text: btn.Text}
			if btn.URL != "" {
				ib.URL = btn.URL
			} else {
				ib.Data = btn.Data
				if ib.Data == "" {
					ib.Data = btn.Text
				}
			}
			r = append(r, ib)
		}
		if len(r) > 0 {
			inline = append(inline, r)
		}
	}
	if len(inline) == 0 {
		return nil
	}
	return &tele.ReplyMarkup{InlineKeyboard: inline}
}
