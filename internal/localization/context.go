// Copyright (c) 2026 dotandev
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package localization

import "context"

type langKey struct{}

// WithLanguage returns a context carrying the language of the request
// being served. Dialogs opened further down the call chain use it.
func WithLanguage(ctx context.Context, lang Language) context.Context {
	return context.WithValue(ctx, langKey{}, lang)
}

// LanguageFromContext returns the request language stored by WithLanguage.
func LanguageFromContext(ctx context.Context) (Language, bool) {
	lang, ok := ctx.Value(langKey{}).(Language)
	return lang, ok
}
