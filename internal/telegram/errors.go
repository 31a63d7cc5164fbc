package telegram

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"syscall"
	"voxscribe/pkg/resilience"

	tele "gopkg.in/telebot.v4"
)

// telebot renders API errors, flood control included, as "telegram: <description> (<code>)"
var unknownAPIError = regexp.MustCompile(`\((\d{3})\)$`)

// Classify tags err as transient or fatal for the retry policy.
// Network failures, flood control (429) and server errors are
// transient; any other API error (bad token, chat not found, ...) is fatal.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return resilience.Transient(err)
	}
	return resilience.Fatal(err)
}

func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if m := unknownAPIError.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return retryableStatus(code)
	}

	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
