package app

// NewTestLogger exposes newLogger to the external test package.
var NewTestLogger = newLogger
