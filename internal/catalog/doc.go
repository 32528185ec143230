// Package catalog maps model names to adapter constructors and resolves
// the resource each model should be opened on.
//
// A model's default resource comes from its environment variable when set,
// otherwise from the example address in its descriptor.
package catalog
