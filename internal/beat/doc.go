// Package beat implements the BEAT behavioral trace format.
//
// A BEAT flow is a short, cookie-safe string that linearizes a behavioral
// trace of page views, element activations and the time between them:
//
//	!yke~12*3div2.5.3~40!1so0k
//
// reads as: page "yke", 12 ticks, element "3div2", then the same element again
// after 5 and after 3 more ticks, 40 ticks, page "1so0k".
//
// Grammar (markers come from a configurable Alphabet):
//
//	!<token>           page marker: literal mapping or 3-5 char base-36 hash,
//	                   prefixed with loop markers (#) on collision
//	*<token>           element marker: depth + tag + sibling index, or literal
//	~<n>               elapsed ticks since the previous marker
//	<marker>.<n1>.<n2> repeat-compressed marker: the same marker again after
//	                   n1 ticks, then again after n2 ticks
//	@<slot>            cross-tab reference to another session slot
//
// The Codec is stateful and session scoped. Its PageTable guarantees that no
// two distinct paths recorded in one session share a token.
package beat
