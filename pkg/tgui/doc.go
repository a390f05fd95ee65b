// Package tgui holds small helpers for Telegram HTML replies: escaping
// builders and rune-safe truncation.
//
// Values of type H are already escaped and can be sent with
// ParseMode="HTML" as is.
package tgui
