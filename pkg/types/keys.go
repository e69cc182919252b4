package types

// DomainKey addresses a domain below a location.
type DomainKey struct {
	Location ID
	Domain   ID
}

// Compare orders keys component by component.
func (k DomainKey) Compare(o DomainKey) int {
	if c := k.Location.Compare(o.Location); c != 0 {
		return c
	}
	return k.Domain.Compare(o.Domain)
}

// ContentKey addresses one content entry in a domain.
type ContentKey struct {
	Location ID
	Domain   ID
	Content  ID
}

func (k ContentKey) DomainKey() DomainKey {
	return DomainKey{Location: k.Location, Domain: k.Domain}
}

func (k ContentKey) Compare(o ContentKey) int {
	if c := k.DomainKey().Compare(o.DomainKey()); c != 0 {
		return c
	}
	return k.Content.Compare(o.Content)
}

// VersionKey is the full storage key: location, domain, content and version.
type VersionKey struct {
	Location ID
	Domain   ID
	Content  ID
	Version  ID
}

func (k VersionKey) ContentKey() ContentKey {
	return ContentKey{Location: k.Location, Domain: k.Domain, Content: k.Content}
}

func (k VersionKey) Compare(o VersionKey) int {
	if c := k.ContentKey().Compare(o.ContentKey()); c != 0 {
		return c
	}
	return k.Version.Compare(o.Version)
}

// Fold XORs the four components into one identifier.
func (k VersionKey) Fold() ID {
	return k.Location.Xor(k.Domain).Xor(k.Content).Xor(k.Version)
}

// MinVersionKey and MaxVersionKey bound every version of a content key.
func MinVersionKey(location, domain, content ID) VersionKey {
	return VersionKey{Location: location, Domain: domain, Content: content, Version: ZeroID}
}

func MaxVersionKey(location, domain, content ID) VersionKey {
	return VersionKey{Location: location, Domain: domain, Content: content, Version: MaxID}
}
