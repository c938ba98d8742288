/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

// Wrap returns a channel that yields values from inputCh, skipping any value
// that was superseded before the reader got to it.  Sends on inputCh never
// wait for the reader.  Closing inputCh closes the output and drops a value
// that has not been read yet.
func Wrap[T any](inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		var latest T
		var sendCh chan T

		for {
			select {
			case value, ok := <-inputCh:
				if !ok {
					return
				}
				latest = value
				sendCh = outputCh
			case sendCh <- latest:
				// nothing new to hand out until the next input
				sendCh = nil
			}
		}
	}()

	return outputCh
}
