// Package event defines the raw engine event model, its wire-frame forms,
// and the classification helpers the rest of the system keys off.
//
// A SessionEvent is whatever the engine emitted; its Type decides everything
// downstream. Types the build does not recognize still map to an
// envelope-only frame so newer engines keep working against older relays.
package event
