/*
Package protocol defines the wire vocabulary exchanged between the run coordinator and an
execution backend.

Every frame is a Message: a type drawn from a closed, versioned vocabulary, a free-form
payload and a timestamp. Typed views of the payload are obtained with the Decode* helpers,
which accept both wire-decoded maps and in-process Go values.

Consumers must ignore message types they do not know (see Type.Known), so that backends
can extend the vocabulary without breaking older coordinators.
*/
package protocol
