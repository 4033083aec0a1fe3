package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetForms(t *testing.T) {
	assert.Equal(t, "7", Single(7).String())
	assert.Equal(t, "3:9", Range(3, 9).String())
	assert.Equal(t, "5", Range(5, 5).String())
	assert.Equal(t, "12:*", From(12).String())
	assert.Equal(t, "1,5,9", List([]uint32{1, 5, 9}).String())
	assert.True(t, Set{}.Empty())
	assert.False(t, Single(1).Empty())
}

func TestParseList(t *testing.T) {
	li, err := parseList([]byte(`(\HasNoChildren) "/" "INBOX"`))
	require.NoError(t, err)
	assert.Equal(t, "INBOX", li.Name)
	assert.Equal(t, "/", li.Delim)
	assert.True(t, li.HasAttr(`\HasNoChildren`))
	assert.True(t, li.HasAttr(`\hasnochildren`))
	assert.False(t, li.HasAttr(`\Noselect`))
}

func TestParseListUnquotedAndUTF7(t *testing.T) {
	li, err := parseList([]byte(`() "." &UYYwsDDpMNWCbzBEMGcwWQ-`))
	require.NoError(t, err)
	assert.Equal(t, "&UYYwsDDpMNWCbzBEMGcwWQ-", li.RawName)
	assert.Equal(t, "円グラフ良いです", li.Name)
	assert.Equal(t, ".", li.Delim)
}

func TestParseListNilDelimiter(t *testing.T) {
	li, err := parseList([]byte(`(\Noselect) NIL foo`))
	require.NoError(t, err)
	assert.Equal(t, "", li.Delim)
	assert.Equal(t, "foo", li.Name)
	assert.True(t, li.HasAttr(`\Noselect`))
}

func TestParseStatus(t *testing.T) {
	name, attrs, err := parseStatus([]byte(`"INBOX" (MESSAGES 231 UIDNEXT 44292 UIDVALIDITY 3857529045)`))
	require.NoError(t, err)
	assert.Equal(t, "INBOX", name)
	assert.Equal(t, uint32(231), attrs["MESSAGES"])
	assert.Equal(t, uint32(44292), attrs["UIDNEXT"])
	assert.Equal(t, uint32(3857529045), attrs["UIDVALIDITY"])
}

func TestParseFetchScanRow(t *testing.T) {
	rec := []byte("12 (UID 100 RFC822.SIZE 2394 INTERNALDATE \"17-Jul-1996 02:44:25 -0700\" " +
		"FLAGS (\\Seen $Forwarded) BODY[HEADER.FIELDS (MESSAGE-ID)] {33}\r\n" +
		"Message-ID: <abc@example.com>\r\n\r\n)")
	fr, err := parseFetch(rec)
	require.NoError(t, err)

	assert.Equal(t, uint32(12), fr.Seq)
	assert.Equal(t, uint32(100), fr.UID)
	assert.Equal(t, uint32(2394), fr.Size)
	assert.Equal(t, []string{`\Seen`, "$Forwarded"}, fr.Flags)

	want := time.Date(1996, 7, 17, 2, 44, 25, 0, time.FixedZone("", -7*3600))
	assert.True(t, fr.InternalDate.Equal(want))

	// The BODY.PEEK request comes back under BODY[...].
	body, ok := fr.Body("HEADER.FIELDS (MESSAGE-ID)")
	require.True(t, ok)
	assert.Equal(t, "Message-ID: <abc@example.com>\r\n\r\n", string(body))
}

func TestParseFetchFullBody(t *testing.T) {
	payload := "From: a@b\r\n\r\nhello"
	rec := []byte("3 (UID 7 FLAGS () INTERNALDATE \"01-Jan-2020 00:00:00 +0000\" " +
		"ENVELOPE (\"date\" \"subj\" NIL NIL NIL NIL NIL NIL NIL \"<id@x>\") " +
		"BODY[] {" + itoa(len(payload)) + "}\r\n" + payload + ")")
	fr, err := parseFetch(rec)
	require.NoError(t, err)

	assert.Equal(t, uint32(7), fr.UID)
	assert.Empty(t, fr.Flags)
	assert.Contains(t, fr.Envelope, "<id@x>")

	body, ok := fr.Body("")
	require.True(t, ok)
	assert.Equal(t, payload, string(body))
}

func itoa(n int) string {
	return Single(uint32(n)).String()
}

func TestParseFetchSkipsUnknownItems(t *testing.T) {
	rec := []byte(`5 (UID 9 X-GM-MSGID 1278455344230334865 FLAGS (\Seen))`)
	fr, err := parseFetch(rec)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), fr.UID)
	assert.Equal(t, []string{`\Seen`}, fr.Flags)
}

func TestParseFetchMalformed(t *testing.T) {
	for _, rec := range []string{
		"notanumber (UID 1)",
		"5 UID 1",
		"5 (UID 1",
	} {
		_, err := parseFetch([]byte(rec))
		assert.Error(t, err, "record %q", rec)
	}
}

func TestFormatInternalDate(t *testing.T) {
	d := time.Date(2023, 2, 3, 4, 5, 6, 0, time.UTC)
	assert.Equal(t, "03-Feb-2023 04:05:06 +0000", FormatInternalDate(d))
}

func TestLiteralSuffix(t *testing.T) {
	n, ok := literalSuffix([]byte("* 1 FETCH (BODY[] {42}"))
	assert.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = literalSuffix([]byte("* 1 FETCH (FLAGS ())"))
	assert.False(t, ok)

	_, ok = literalSuffix([]byte("{bad}"))
	assert.False(t, ok)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "INBOX", quote("INBOX"))
	assert.Equal(t, `""`, quote(""))
	assert.Equal(t, `"Sent Mail"`, quote("Sent Mail"))
	assert.Equal(t, `"a\"b"`, quote(`a"b`))
}
