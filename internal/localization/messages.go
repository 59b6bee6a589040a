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

// Message keys.
const (
	KeyCertDisclosure = "disclosure.cert_selection"
	KeySelectTitle    = "dialog.select_title"
	KeyConfirmTitle   = "dialog.confirm_title"
	KeyPINPrompt      = "dialog.pin_prompt"
)

var EnglishMessages = map[string]string{
	KeyCertDisclosure: "By selecting a certificate I accept that my name and personal ID code will be sent to service provider.",
	KeySelectTitle:    "Select certificate",
	KeyConfirmTitle:   "Confirm signing",
	KeyPINPrompt:      "Enter PIN for %s",
}

var EstonianMessages = map[string]string{
	KeyCertDisclosure: "Sertifikaadi valikuga nõustun oma nime ja isikukoodi edastamisega teenusepakkujale.",
	KeySelectTitle:    "Vali sertifikaat",
	KeyConfirmTitle:   "Kinnita allkirjastamine",
	KeyPINPrompt:      "Sisesta PIN: %s",
}

var LithuanianMessages = map[string]string{
	KeyCertDisclosure: "Pasirinkdama(s) sertifikatą, aš sutinku, kad mano vardas, pavardė ir asmens kodas būtų perduoti e. paslaugos teikėjui.",
	KeySelectTitle:    "Pasirinkite sertifikatą",
}

var LatvianMessages = map[string]string{
	KeyCertDisclosure: "Izvēloties sertifikātu, es apstiprinu, ka mans vārds un personas kods tiks nosūtīts pakalpojuma sniedzējam.",
	KeySelectTitle:    "Izvēlieties sertifikātu",
}

var RussianMessages = map[string]string{
	KeyCertDisclosure: "Выбирая сертификат, я соглащаюсь с тем, что мое имя и личный код будут переданы представителю услуг.",
	KeySelectTitle:    "Выберите сертификат",
}

var builtin = map[Language]map[string]string{
	English:    EnglishMessages,
	Estonian:   EstonianMessages,
	Lithuanian: LithuanianMessages,
	Latvian:    LatvianMessages,
	Russian:    RussianMessages,
}
