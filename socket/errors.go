// SPDX-License-Identifier: GPL-3.0-or-later

package socket

import "fmt"

// ErrAddressInUse is returned by Bind when the OS rejects the listening
// address.
var ErrAddressInUse = fmt.Errorf("socket: address in use")

// ErrDisposed is returned by Bind and Connect when called after Dispose.
var ErrDisposed = fmt.Errorf("socket: disposed")
