// Package handshake sends the OTP_REQUESTED handshake to provider
// applications and verifies the single-use correlation token they echo back.
package handshake
