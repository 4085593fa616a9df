// Package main is the Visage PAM module: a loadable, ABI-safe bridge from
// the PAM framework to the daemon's Verify bus method (spec.md §4.6).
package main

/*
#cgo LDFLAGS: -lpam
#include <security/pam_appl.h>
#include <security/pam_modules.h>
#include <stdlib.h>
*/
import "C"

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/godbus/dbus/v5"
)

// PAM return codes this module ever produces (spec.md §6): success and the
// "skip this module" code. No other outcome is ever returned.
const (
	pamSuccess = C.PAM_SUCCESS
	pamIgnore  = 25
)

const (
	busName       = "org.freedesktop.Visage1"
	busObjectPath = "/org/freedesktop/Visage1"
	busInterface  = "org.freedesktop.Visage1"
	callTimeout   = 25 * time.Second
)

//export pam_sm_authenticate
func pam_sm_authenticate(pamh *C.pam_handle_t, flags C.int, argc C.int, argv **C.char) C.int {
	return safeAuthenticate(pamh)
}

//export pam_sm_setcred
func pam_sm_setcred(pamh *C.pam_handle_t, flags C.int, argc C.int, argv **C.char) C.int {
	// (P3) the set-credentials entry always returns the skip code.
	return C.int(pamIgnore)
}

// safeAuthenticate runs the whole authentication attempt under a
// panic-catcher (P1): no unwinding panic may cross the C boundary, so every
// failure mode — daemon absent, bus error, non-match, bad username, a
// recovered panic — collapses to the same skip code.
func safeAuthenticate(pamh *C.pam_handle_t) (result C.int) {
	result = C.int(pamIgnore)
	defer func() {
		if r := recover(); r != nil {
			result = C.int(pamIgnore)
		}
	}()

	username, err := pamUsername(pamh)
	if err != nil {
		return C.int(pamIgnore)
	}

	ok, err := verifyOverBus(username)
	if err != nil || !ok {
		return C.int(pamIgnore)
	}

	return C.int(pamSuccess)
}

// pamUsername retrieves the username from the host framework (P2): the
// returned pointer is checked for non-null before dereference, and the
// NUL-terminated string is required to decode as valid UTF-8.
func pamUsername(pamh *C.pam_handle_t) (string, error) {
	if pamh == nil {
		return "", fmt.Errorf("pam: nil handle")
	}

	var cUsername *C.char
	ret := C.pam_get_user(pamh, &cUsername, nil)
	if ret != C.PAM_SUCCESS {
		return "", fmt.Errorf("pam_get_user failed: %d", int(ret))
	}
	if cUsername == nil {
		return "", fmt.Errorf("pam_get_user returned nil username")
	}

	username := C.GoString(cUsername)
	if !utf8.ValidString(username) {
		return "", fmt.Errorf("username is not valid UTF-8")
	}
	if username == "" {
		return "", fmt.Errorf("empty username")
	}

	return username, nil
}

// verifyOverBus opens a connection to the system bus and calls
// Verify(user) synchronously, bounded by callTimeout (25 s, the nominal
// bus-default response timeout; spec.md §4.6 Timeout).
func verifyOverBus(username string) (bool, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Close() }()

	obj := conn.Object(busName, dbus.ObjectPath(busObjectPath))

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var matched bool
	call := obj.CallWithContext(ctx, busInterface+".Verify", 0, username)
	if call.Err != nil {
		return false, call.Err
	}
	if err := call.Store(&matched); err != nil {
		return false, err
	}

	return matched, nil
}

// main is required for buildmode=c-shared; the real entry points are the
// exported PAM functions above.
func main() {}
