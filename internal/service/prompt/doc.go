// Package prompt asks the user for confirmations.
//
// Forms are only shown when both stdin and stdout are terminals. Otherwise
// the answer is "yes" when confirmations are assumed and "no" when not.
package prompt
